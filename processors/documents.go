package processors

import (
	"strings"

	"videoQA/core"
)

// BuildTextDocuments emits one text document per transcript segment, in
// order. Segment text is kept verbatim apart from surrounding whitespace.
func BuildTextDocuments(segments []core.Segment) []core.Document {
	docs := make([]core.Document, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		end := s.End
		if end < s.Start {
			end = s.Start
		}
		docs = append(docs, core.NewTextDocument(text, s.Start, end))
	}
	return docs
}

// FrameTimestamps interpolates a timestamp for each of n frames spread over
// duration seconds. n == 0 yields no timestamps.
func FrameTimestamps(duration float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	step := duration / float64(n)
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = float64(i) * step
	}
	return ts
}

// BuildImageDocuments emits one image document per stored frame.
func BuildImageDocuments(frames []core.Frame) []core.Document {
	docs := make([]core.Document, 0, len(frames))
	for _, f := range frames {
		docs = append(docs, core.NewImageDocument(f.URL, f.TimestampSec, f.Key))
	}
	return docs
}
