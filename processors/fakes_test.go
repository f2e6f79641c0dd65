package processors

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"videoQA/core"
)

type fakeDownloader struct {
	id  string
	err error
}

func (d *fakeDownloader) VideoID(videoURL string) (string, error) {
	if d.id == "" {
		return "", core.NewError(core.KindAcquisition, "bad url")
	}
	return d.id, nil
}

func (d *fakeDownloader) Download(_ context.Context, _ string, dir string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	path := filepath.Join(dir, d.id+".mp4")
	return path, os.WriteFile(path, []byte("mp4"), 0o644)
}

type fakeSampler struct {
	duration float64
	frames   int
}

func (s *fakeSampler) Sample(_ context.Context, _ string, outDir string) (float64, []string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, nil, err
	}
	for i := 0; i < s.frames; i++ {
		p := filepath.Join(outDir, fmt.Sprintf("frame_%04d.png", i))
		if err := os.WriteFile(p, []byte("\x89PNG\r\n\x1a\nframe"), 0o644); err != nil {
			return 0, nil, err
		}
	}
	paths, err := ListFrames(outDir)
	return s.duration, paths, err
}

type staticTranscriber struct {
	segments []core.Segment
}

func (t staticTranscriber) Transcribe(context.Context, TranscriptRequest) TranscriptOutcome {
	if len(t.segments) == 0 {
		return TranscriptOutcome{Tier: TierNone}
	}
	return TranscriptOutcome{Segments: t.segments, Tier: TierAuthored}
}

// hashEmbedder maps words into a fixed number of buckets.
type hashEmbedder struct {
	dim int
	mu  sync.Mutex
	// calls counts inputs seen per method.
	calls map[string]int
}

func newHashEmbedder(dim int) *hashEmbedder {
	return &hashEmbedder{dim: dim, calls: map[string]int{}}
}

func (e *hashEmbedder) vec(s string) []float32 {
	v := make([]float32, e.dim)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(w, "?.,!")))
		v[h.Sum32()%uint32(e.dim)]++
	}
	v[0] += 0.01
	return v
}

func (e *hashEmbedder) record(method string, n int) {
	e.mu.Lock()
	e.calls[method] += n
	e.mu.Unlock()
}

func (e *hashEmbedder) Dim() int { return e.dim }

func (e *hashEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.record("texts", len(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vec(t)
	}
	return out, nil
}

func (e *hashEmbedder) EmbedImages(_ context.Context, images []string) ([][]float32, error) {
	e.record("images", len(images))
	out := make([][]float32, len(images))
	for i, img := range images {
		out[i] = e.vec(img)
	}
	return out, nil
}

func (e *hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.record("query", 1)
	return e.vec(text), nil
}

type recordingLLM struct {
	mu      sync.Mutex
	prompts []string
	images  [][]string
	answer  string
}

func (l *recordingLLM) Complete(_ context.Context, prompt string, images []string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, prompt)
	l.images = append(l.images, images)
	if l.answer != "" {
		return l.answer, nil
	}
	return fmt.Sprintf("answer %d", len(l.prompts)), nil
}
