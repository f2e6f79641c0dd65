package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"videoQA/core"
)

func TestObjectKeysAndURL(t *testing.T) {
	if got := VideoKey("abc123"); got != "videos/abc123.mp4" {
		t.Errorf("VideoKey = %q", got)
	}
	if got := FrameKey("abc123", 7); got != "frames/abc123/frame_0007.png" {
		t.Errorf("FrameKey = %q", got)
	}
	want := "http://minio:9000/video-assets/frames%2Fabc123%2Fframe_0000.png"
	if got := objectURL(false, "minio:9000", "video-assets", FrameKey("abc123", 0)); got != want {
		t.Errorf("objectURL = %q, want %q", got, want)
	}
}

func TestMemoryObjectStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewMemoryObjectStore("minio:9000", "video-assets")
	for i := 0; i < 2; i++ {
		if _, err := s.Upload(ctx, path, FrameKey("v", i), "image/png"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Upload(ctx, path, VideoKey("v"), "video/mp4"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePrefix(ctx, FramePrefix("v")); err != nil {
		t.Fatal(err)
	}
	keys := s.Keys()
	if len(keys) != 1 || keys[0] != "videos/v.mp4" {
		t.Fatalf("keys after prefix delete = %v", keys)
	}
}

func TestMemoryIndexStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIndexStore()

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, core.ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
	rec := &core.IndexRecord{
		VideoID:        "v",
		TextCollection: TextCollection("v"),
		Nodes:          []core.Node{{ID: "n1", VideoID: "v", Doc: core.NewTextDocument("hi", 0, 1)}},
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Nodes[0].ID = "mutated"
	got, err := s.Get(ctx, "v")
	if err != nil {
		t.Fatal(err)
	}
	if got.TextCollection != "text_v" || !got.Contains("n1") {
		t.Fatalf("unexpected record %+v", got)
	}
	if err := s.Delete(ctx, "v"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "v"); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func embeddingServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[i%dim] = 1
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "m"})
	}))
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := embeddingServer(t, 4)
	defer srv.Close()
	ctx := context.Background()

	e := NewOpenAIEmbedder(NewOpenAIClient(srv.URL+"/v1", "test"), "m", 4)
	vecs, err := e.EmbedTexts(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if len(vecs) != 2 || vecs[1][1] != 1 {
		t.Fatalf("unexpected vectors %v", vecs)
	}

	wrong := NewOpenAIEmbedder(NewOpenAIClient(srv.URL+"/v1", "test"), "m", 8)
	if _, err := wrong.EmbedQuery(ctx, "a"); !core.IsKind(err, core.KindConfig) {
		t.Fatalf("expected config error for dimension mismatch, got %v", err)
	}
}

func TestOpenAIEmbedderRepeatedIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vec := []float32{1, 0, 0, 0}
		data := []map[string]any{
			{"object": "embedding", "index": 0, "embedding": vec},
			{"object": "embedding", "index": 0, "embedding": vec},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "m"})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(NewOpenAIClient(srv.URL+"/v1", "test"), "m", 4)
	_, err := e.EmbedTexts(context.Background(), []string{"a", "b"})
	if !core.IsKind(err, core.KindUpstream) {
		t.Fatalf("expected upstream error for repeated index, got %v", err)
	}
}

func TestImageDataURI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.png")
	png := []byte("\x89PNG\r\n\x1a\n0000")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		t.Fatal(err)
	}
	uri, err := ImageDataURI(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "data:image/png;base64,"; len(uri) < len(want) || uri[:len(want)] != want {
		t.Fatalf("uri = %q", uri)
	}
}
