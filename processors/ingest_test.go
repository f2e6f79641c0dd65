package processors

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/kkdai/youtube/v2"

	"videoQA/core"
	"videoQA/storage"
)

type harness struct {
	objects *storage.MemoryObjectStore
	vectors *storage.MemoryVectorIndex
	indexes *storage.MemoryIndexStore
	text    *hashEmbedder
	image   *hashEmbedder
	llm     *recordingLLM
	ingest  *IngestService
	chat    *ChatService
	tmp     string
}

func newHarness(t *testing.T, id string, sampler *fakeSampler, segments []core.Segment) *harness {
	t.Helper()
	h := &harness{
		objects: storage.NewMemoryObjectStore("minio:9000", "video-assets"),
		vectors: storage.NewMemoryVectorIndex(),
		indexes: storage.NewMemoryIndexStore(),
		text:    newHashEmbedder(8),
		image:   newHashEmbedder(4),
		llm:     &recordingLLM{answer: "They say hello world."},
		tmp:     t.TempDir(),
	}
	chunker := NewHierarchicalChunker([]int{2048, 512, 128}, 20, WordCounter{})
	h.ingest = NewIngestService(&fakeDownloader{id: id}, sampler, staticTranscriber{segments: segments}, chunker,
		h.objects, h.text, h.image, h.vectors, h.indexes, IngestOptions{WorkDir: t.TempDir()})
	h.chat = NewChatService(h.indexes, h.vectors, h.text, h.image,
		NewCompactSynthesizer(h.llm, WordCounter{}, 2048, 256),
		ChatOptions{TextTopK: 2, ImageTopK: 2, TempDir: h.tmp})
	return h
}

func TestIngestAndChatEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc123", &fakeSampler{duration: 10, frames: 2},
		[]core.Segment{{Start: 0, End: 5, Text: "hello world"}})

	res, err := h.ingest.Ingest(ctx, "https://www.youtube.com/watch?v=abc123")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.VideoID != "abc123" || res.Status != "ingested" || res.Frames != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	wantKeys := []string{"frames/abc123/frame_0000.png", "frames/abc123/frame_0001.png", "videos/abc123.mp4"}
	keys := h.objects.Keys()
	if strings.Join(keys, ",") != strings.Join(wantKeys, ",") {
		t.Fatalf("object keys = %v, want %v", keys, wantKeys)
	}

	rec, err := h.indexes.Get(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	var stamps []float64
	for _, n := range rec.Nodes {
		if n.Doc.Kind == core.KindImage {
			stamps = append(stamps, n.Doc.Image.Timestamp)
			if !strings.HasPrefix(n.Doc.Image.URL, "http://minio:9000/video-assets/frames%2Fabc123%2F") {
				t.Errorf("unexpected frame URL %q", n.Doc.Image.URL)
			}
		}
	}
	if len(stamps) != 2 || stamps[0] != 0 || stamps[1] != 5 {
		t.Fatalf("frame timestamps = %v, want [0 5]", stamps)
	}
	if h.vectors.Len("text_abc123") != 1 || h.vectors.Len("img_abc123") != 2 {
		t.Fatalf("collection sizes text=%d img=%d", h.vectors.Len("text_abc123"), h.vectors.Len("img_abc123"))
	}

	out, err := h.chat.Chat(ctx, "abc123", "hello?", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Answer != "They say hello world." {
		t.Errorf("answer = %q", out.Answer)
	}
	var found bool
	for _, s := range out.Sources {
		if s.Type == "text" && s.Time == "00:00–00:05" && strings.HasPrefix(s.Text, "hello world") {
			found = true
		}
		if s.Type == "image" && s.Path == "" {
			t.Errorf("image source without path: %+v", s)
		}
	}
	if !found {
		t.Fatalf("no matching text source in %+v", out.Sources)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc123", &fakeSampler{duration: 10, frames: 2},
		[]core.Segment{{Start: 0, End: 5, Text: "hello world"}})

	first, err := h.ingest.Ingest(ctx, "https://youtu.be/abc123")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.ingest.Ingest(ctx, "https://youtu.be/abc123")
	if err != nil {
		t.Fatal(err)
	}
	if first.VideoID != second.VideoID {
		t.Fatalf("ids differ: %s vs %s", first.VideoID, second.VideoID)
	}
	if h.vectors.Len("text_abc123") != 1 || h.vectors.Len("img_abc123") != 2 {
		t.Fatal("re-ingestion left duplicate vectors")
	}
}

func TestIngestWithoutFrames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "empty", &fakeSampler{duration: 0, frames: 0},
		[]core.Segment{{Start: 0, End: 2, Text: "only words"}})

	res, err := h.ingest.Ingest(ctx, "https://youtu.be/empty")
	if err != nil {
		t.Fatal(err)
	}
	if res.Frames != 0 {
		t.Fatalf("frames = %d", res.Frames)
	}
	rec, _ := h.indexes.Get(ctx, "empty")
	for _, n := range rec.Nodes {
		if n.Doc.Kind == core.KindImage {
			t.Fatal("image document produced without frames")
		}
	}
	out, err := h.chat.Chat(ctx, "empty", "what?", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range out.Sources {
		if s.Type != "text" {
			t.Fatalf("unexpected source %+v", s)
		}
	}
}

func TestIngestFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("acquisition error is fatal", func(t *testing.T) {
		h := newHarness(t, "v", &fakeSampler{duration: 10, frames: 1}, nil)
		h.ingest.downloader = &fakeDownloader{id: "v", err: core.NewError(core.KindAcquisition, "no stream")}
		if _, err := h.ingest.Ingest(ctx, "https://youtu.be/v"); !core.IsKind(err, core.KindAcquisition) {
			t.Fatalf("expected acquisition error, got %v", err)
		}
		if _, err := h.indexes.Get(ctx, "v"); !errors.Is(err, core.ErrVideoNotFound) {
			t.Fatal("index record written after failed acquisition")
		}
	})

	t.Run("partial frame upload fails the ingestion", func(t *testing.T) {
		h := newHarness(t, "v", &fakeSampler{duration: 10, frames: 3}, nil)
		h.objects.FailKey = func(key string) bool { return key == storage.FrameKey("v", 1) }
		if _, err := h.ingest.Ingest(ctx, "https://youtu.be/v"); !core.IsKind(err, core.KindStorage) {
			t.Fatalf("expected storage error, got %v", err)
		}
		if _, err := h.indexes.Get(ctx, "v"); err == nil {
			t.Fatal("index record written after failed upload")
		}
	})

	t.Run("embedder dimension mismatch", func(t *testing.T) {
		h := newHarness(t, "v", &fakeSampler{duration: 10, frames: 1}, []core.Segment{{Start: 0, End: 1, Text: "x"}})
		h.ingest.textEmbedder = dimLiar{h.text}
		if _, err := h.ingest.Ingest(ctx, "https://youtu.be/v"); !core.IsKind(err, core.KindConfig) {
			t.Fatalf("expected config error, got %v", err)
		}
	})
}

// dimLiar reports one dimension and produces another.
type dimLiar struct{ *hashEmbedder }

func (d dimLiar) Dim() int { return d.hashEmbedder.Dim() + 1 }

func TestChatErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc123", &fakeSampler{duration: 10, frames: 2},
		[]core.Segment{{Start: 0, End: 5, Text: "hello world"}})

	if _, err := h.chat.Chat(ctx, "missing", "hello?", nil); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.chat.Chat(ctx, "abc123", "  ", nil); !core.IsKind(err, core.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	if _, err := h.ingest.Ingest(ctx, "https://youtu.be/abc123"); err != nil {
		t.Fatal(err)
	}
	if err := h.vectors.DropCollection(ctx, "img_abc123"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.chat.Chat(ctx, "abc123", "hello?", nil); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not found for missing collection, got %v", err)
	}
}

func TestChatWithProbeImage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc123", &fakeSampler{duration: 10, frames: 2},
		[]core.Segment{{Start: 0, End: 5, Text: "hello world"}})
	if _, err := h.ingest.Ingest(ctx, "https://youtu.be/abc123"); err != nil {
		t.Fatal(err)
	}

	out, err := h.chat.Chat(ctx, "abc123", "what is shown?", []byte("\xff\xd8\xff\xe0jpeg"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(out.Sources) == 0 {
		t.Fatal("expected sources")
	}
	got := h.llm.images[len(h.llm.images)-1]
	if len(got) == 0 || !strings.HasPrefix(got[0], "data:image/jpeg;base64,") {
		t.Fatalf("probe not passed to LLM: %v", got)
	}
	var frameURLs []string
	for _, s := range out.Sources {
		if s.Type == "image" {
			frameURLs = append(frameURLs, s.Path)
		}
	}
	if len(frameURLs) == 0 {
		t.Fatal("expected retrieved frames")
	}
	if strings.Join(got[1:], ",") != strings.Join(frameURLs, ",") {
		t.Fatalf("LLM images after probe = %v, want retrieved frames %v", got[1:], frameURLs)
	}
	entries, err := os.ReadDir(h.tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("probe temp file left behind: %v", entries)
	}
}

func TestChatDropsForeignNodes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc123", &fakeSampler{duration: 10, frames: 0},
		[]core.Segment{{Start: 0, End: 5, Text: "hello world"}})
	if _, err := h.ingest.Ingest(ctx, "https://youtu.be/abc123"); err != nil {
		t.Fatal(err)
	}
	foreign := core.Node{ID: "other:txt:0000/0.0.0", VideoID: "other", Doc: core.NewTextDocument("hello hello", 0, 1), Vector: h.text.vec("hello?")}
	if err := h.vectors.Upsert(ctx, "text_abc123", []core.Node{foreign}); err != nil {
		t.Fatal(err)
	}
	out, err := h.chat.Chat(ctx, "abc123", "hello?", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range out.Sources {
		if s.Text == "hello hello" {
			t.Fatal("node from another video leaked into sources")
		}
	}
}

func TestDeleteEvictsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc123", &fakeSampler{duration: 10, frames: 2},
		[]core.Segment{{Start: 0, End: 5, Text: "hello world"}})
	if _, err := h.ingest.Ingest(ctx, "https://youtu.be/abc123"); err != nil {
		t.Fatal(err)
	}
	if err := h.ingest.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if keys := h.objects.Keys(); len(keys) != 0 {
		t.Fatalf("objects left: %v", keys)
	}
	if h.vectors.Len("text_abc123") != -1 || h.vectors.Len("img_abc123") != -1 {
		t.Fatal("collections left behind")
	}
	if _, err := h.chat.Chat(ctx, "abc123", "hello?", nil); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := h.ingest.Delete(ctx, "abc123"); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestSelectFormat(t *testing.T) {
	formats := youtube.FormatList{
		{ItagNo: 1, MimeType: "video/mp4", Height: 1080, AudioChannels: 2, Bitrate: 5000},
		{ItagNo: 2, MimeType: "video/webm", Height: 720, AudioChannels: 2, Bitrate: 3000},
		{ItagNo: 3, MimeType: "video/mp4; codecs=\"avc1\"", Height: 720, AudioChannels: 2, Bitrate: 2000},
		{ItagNo: 4, MimeType: "video/mp4", Height: 720, AudioChannels: 0, Bitrate: 9000},
		{ItagNo: 5, MimeType: "video/mp4", Height: 360, AudioChannels: 2, Bitrate: 800},
	}
	f, ok := selectFormat(formats, 720)
	if !ok || f.ItagNo != 3 {
		t.Fatalf("selected %+v", f)
	}
	if _, ok := selectFormat(formats[:1], 720); ok {
		t.Fatal("expected no format under the cap")
	}
}

func TestChatRejectsDimensionDrift(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "abc123", &fakeSampler{duration: 10, frames: 1},
		[]core.Segment{{Start: 0, End: 5, Text: "hello world"}})
	if _, err := h.ingest.Ingest(ctx, "https://youtu.be/abc123"); err != nil {
		t.Fatal(err)
	}
	h.chat.textEmbedder = dimLiar{h.text}
	if _, err := h.chat.Chat(ctx, "abc123", "hello?", nil); !core.IsKind(err, core.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
