package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"videoQA/config"
	"videoQA/core"
)

type fakeIngester struct {
	url     string
	deleted string
	err     error
}

func (f *fakeIngester) Ingest(_ context.Context, url string) (*core.IngestResult, error) {
	f.url = url
	if f.err != nil {
		return nil, f.err
	}
	return &core.IngestResult{VideoID: "abc123", Status: "indexed", Frames: 3}, nil
}

func (f *fakeIngester) Delete(_ context.Context, id string) error {
	f.deleted = id
	return f.err
}

type fakeChatter struct {
	videoID, query string
	image          []byte
	err            error
	panics         bool
}

func (f *fakeChatter) Chat(_ context.Context, videoID, query string, image []byte) (*core.ChatResult, error) {
	if f.panics {
		panic("boom")
	}
	f.videoID, f.query, f.image = videoID, query, image
	if f.err != nil {
		return nil, f.err
	}
	return &core.ChatResult{
		Answer:  "the speaker introduces the topic",
		Sources: []core.Source{{Type: "text", Time: "00:00–00:05", Text: "hello"}},
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App:    config.AppConfig{Name: "YouTube Multimodal RAG API"},
		Server: config.ServerConfig{MaxUploadMB: 1, CORSOrigins: []string{"*"}},
	}
}

type envelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func chatForm(t *testing.T, fields map[string]string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", "probe.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(image)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestRootAndHealth(t *testing.T) {
	r := NewRouter(testConfig(), &fakeIngester{}, &fakeChatter{}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	var root struct {
		Message string `json:"message"`
		Debug   bool   `json:"debug"`
	}
	decode(t, w, &root)
	if w.Code != http.StatusOK || root.Message != "YouTube Multimodal RAG API" {
		t.Fatalf("root = %d %+v", w.Code, root)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	r := NewRouter(testConfig(), &fakeIngester{}, &fakeChatter{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("request id = %q", got)
	}
}

func TestIngest(t *testing.T) {
	ing := &fakeIngester{}
	r := NewRouter(testConfig(), ing, &fakeChatter{}, nil)

	body := `{"video_url":" https://www.youtube.com/watch?v=abc123 "}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var res core.IngestResult
	decode(t, w, &res)
	if res.VideoID != "abc123" || res.Frames != 3 {
		t.Errorf("result = %+v", res)
	}
	if ing.url != "https://www.youtube.com/watch?v=abc123" {
		t.Errorf("url not trimmed: %q", ing.url)
	}
}

func TestIngestErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		kind   string
	}{
		{"missing url", `{}`, nil, http.StatusBadRequest, "invalid_argument"},
		{"malformed body", `not json`, nil, http.StatusBadRequest, "invalid_argument"},
		{"bad url", `{"video_url":"x"}`, core.NewError(core.KindAcquisition, "not a YouTube URL"), http.StatusInternalServerError, "acquisition"},
		{"upstream", `{"video_url":"x"}`, core.NewError(core.KindUpstream, "embedding service failed"), http.StatusBadGateway, "upstream"},
		{"storage", `{"video_url":"x"}`, core.NewError(core.KindStorage, "upload failed"), http.StatusInternalServerError, "storage"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(testConfig(), &fakeIngester{err: tc.err}, &fakeChatter{}, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(tc.body)))
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			var env envelope
			decode(t, w, &env)
			if env.Error.Kind != tc.kind || env.Error.Message == "" {
				t.Errorf("envelope = %+v", env)
			}
		})
	}
}

func TestChat(t *testing.T) {
	ch := &fakeChatter{}
	r := NewRouter(testConfig(), &fakeIngester{}, ch, nil)

	body, ct := chatForm(t, map[string]string{"video_id": "abc123", "query": "what is this about?"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var res core.ChatResult
	decode(t, w, &res)
	if res.Answer == "" || len(res.Sources) != 1 || res.Sources[0].Time != "00:00–00:05" {
		t.Errorf("result = %+v", res)
	}
	if ch.videoID != "abc123" || ch.image != nil {
		t.Errorf("chatter saw id=%q image=%v", ch.videoID, ch.image)
	}
}

func TestChatWithImage(t *testing.T) {
	ch := &fakeChatter{}
	r := NewRouter(testConfig(), &fakeIngester{}, ch, nil)

	img := []byte("\x89PNG fake")
	body, ct := chatForm(t, map[string]string{"video_id": "abc123", "query": "where is this?"}, img)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if !bytes.Equal(ch.image, img) {
		t.Errorf("image = %q", ch.image)
	}
}

func TestChatOversizedImage(t *testing.T) {
	r := NewRouter(testConfig(), &fakeIngester{}, &fakeChatter{}, nil)
	body, ct := chatForm(t, map[string]string{"video_id": "abc123", "query": "q"}, bytes.Repeat([]byte("x"), 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestChatErrors(t *testing.T) {
	r := NewRouter(testConfig(), &fakeIngester{}, &fakeChatter{err: core.ErrVideoNotFound}, nil)

	body, ct := chatForm(t, map[string]string{"video_id": "abc123"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing query status = %d", w.Code)
	}

	body, ct = chatForm(t, map[string]string{"video_id": "nope", "query": "q"}, nil)
	req = httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown video status = %d", w.Code)
	}
	var env envelope
	decode(t, w, &env)
	if env.Error.Kind != "not_found" || !strings.Contains(env.Error.Message, "ingest it first") {
		t.Errorf("envelope = %+v", env)
	}
}

func TestChatPanicIsRecovered(t *testing.T) {
	r := NewRouter(testConfig(), &fakeIngester{}, &fakeChatter{panics: true}, nil)
	body, ct := chatForm(t, map[string]string{"video_id": "abc123", "query": "q"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var env envelope
	decode(t, w, &env)
	if env.Error.Kind != "internal" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDeleteVideo(t *testing.T) {
	ing := &fakeIngester{}
	r := NewRouter(testConfig(), ing, &fakeChatter{}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/videos/abc123", nil))
	if w.Code != http.StatusOK || ing.deleted != "abc123" {
		t.Fatalf("status = %d deleted=%q", w.Code, ing.deleted)
	}

	r = NewRouter(testConfig(), &fakeIngester{err: core.ErrVideoNotFound}, &fakeChatter{}, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/videos/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewRouter(testConfig(), &fakeIngester{}, &fakeChatter{}, nil)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "videoqa_http_requests_total") {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func TestReady(t *testing.T) {
	ready := func(context.Context) core.HealthReport {
		return core.HealthReport{Status: core.HealthError, Checks: []core.HealthCheck{
			{Name: "redis", Status: core.HealthError, Message: "connection refused"},
		}}
	}
	r := NewRouter(testConfig(), &fakeIngester{}, &fakeChatter{}, ready)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var report core.HealthReport
	decode(t, w, &report)
	if len(report.Checks) != 1 || report.Checks[0].Name != "redis" {
		t.Errorf("report = %+v", report)
	}

	r = NewRouter(testConfig(), &fakeIngester{}, &fakeChatter{}, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("nil readiness status = %d", w.Code)
	}
}

func TestChatURLEncodedForm(t *testing.T) {
	ch := &fakeChatter{}
	r := NewRouter(testConfig(), &fakeIngester{}, ch, nil)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("video_id=abc123&query=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || ch.query != "hi" {
		t.Fatalf("status = %d query=%q body=%s", w.Code, ch.query, w.Body.String())
	}
}
