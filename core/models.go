package core

import (
	"fmt"
	"time"
)

// ========== Transcript & frames ==========

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Frame is one sampled still image. TimestampSec is interpolated
// (index * duration / frameCount), not decode-accurate.
type Frame struct {
	Index        int     `json:"index"`
	TimestampSec float64 `json:"timestamp_sec"`
	Key          string  `json:"key"`
	URL          string  `json:"url"`
	Path         string  `json:"path,omitempty"`
}

// ========== Documents ==========

type DocumentKind string

const (
	KindText  DocumentKind = "text"
	KindImage DocumentKind = "image"
)

type TextPayload struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type ImagePayload struct {
	URL        string  `json:"url"`
	Timestamp  float64 `json:"timestamp"`
	StorageKey string  `json:"storage_key"`
}

// Document is a tagged variant: Kind selects which payload is set.
type Document struct {
	Kind  DocumentKind  `json:"kind"`
	Text  *TextPayload  `json:"text,omitempty"`
	Image *ImagePayload `json:"image,omitempty"`
}

func NewTextDocument(text string, start, end float64) Document {
	return Document{Kind: KindText, Text: &TextPayload{Text: text, Start: start, End: end}}
}

func NewImageDocument(url string, timestamp float64, key string) Document {
	return Document{Kind: KindImage, Image: &ImagePayload{URL: url, Timestamp: timestamp, StorageKey: key}}
}

// Validate reports a document whose payload does not match its kind.
func (d Document) Validate() error {
	switch d.Kind {
	case KindText:
		if d.Text == nil || d.Image != nil {
			return fmt.Errorf("text document must carry exactly a text payload")
		}
		if d.Text.Start > d.Text.End {
			return fmt.Errorf("text document start %.3f after end %.3f", d.Text.Start, d.Text.End)
		}
	case KindImage:
		if d.Image == nil || d.Text != nil {
			return fmt.Errorf("image document must carry exactly an image payload")
		}
	default:
		return fmt.Errorf("unknown document kind %q", d.Kind)
	}
	return nil
}

// ========== Nodes & index ==========

// Node is a retrievable chunk. Only leaves carry an embedding.
type Node struct {
	ID       string    `json:"id"`
	VideoID  string    `json:"video_id"`
	Level    int       `json:"level"`
	ParentID string    `json:"parent_id,omitempty"`
	ChildIDs []string  `json:"child_ids,omitempty"`
	Doc      Document  `json:"doc"`
	Vector   []float32 `json:"-"`
}

func (n Node) IsLeaf() bool { return len(n.ChildIDs) == 0 }

// Content returns the text the node contributes to an LLM prompt.
func (n Node) Content() string {
	switch n.Doc.Kind {
	case KindText:
		return n.Doc.Text.Text
	case KindImage:
		return fmt.Sprintf("[frame at %s] %s", FormatTimestamp(n.Doc.Image.Timestamp), n.Doc.Image.URL)
	}
	return ""
}

// IndexRecord is the persisted index structure stored under index_<id>.
type IndexRecord struct {
	VideoID         string    `json:"video_id"`
	TextCollection  string    `json:"text_collection"`
	ImageCollection string    `json:"image_collection"`
	TextDim         int       `json:"text_dim"`
	ImageDim        int       `json:"image_dim"`
	FrameCount      int       `json:"frame_count"`
	DurationSec     float64   `json:"duration_sec"`
	TranscriptTier  string    `json:"transcript_tier"`
	Nodes           []Node    `json:"nodes"`
	CreatedAt       time.Time `json:"created_at"`
}

// Contains reports whether nodeID belongs to this index.
func (r *IndexRecord) Contains(nodeID string) bool {
	for i := range r.Nodes {
		if r.Nodes[i].ID == nodeID {
			return true
		}
	}
	return false
}

// ScoredNode is a vector search hit.
type ScoredNode struct {
	Node  Node
	Score float64
}

// ========== API results ==========

type IngestResult struct {
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
	Frames  int    `json:"frames"`
}

type Source struct {
	Type string `json:"type"`
	Time string `json:"time"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

type ChatResult struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}
