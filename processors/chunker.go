package processors

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"videoQA/core"
	"videoQA/logger"
)

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	Count(text string) int
}

// WordCounter approximates tokens as whitespace-separated words, with long
// words counted in four-character pieces.
type WordCounter struct{}

func (WordCounter) Count(text string) int {
	n := 0
	for _, w := range strings.Fields(text) {
		n += (utf8.RuneCountInString(w) + 3) / 4
	}
	return n
}

// HFTokenCounter counts with a HuggingFace tokenizer.json.
type HFTokenCounter struct {
	tok *tokenizer.Tokenizer
}

func NewHFTokenCounter(path string) (*HFTokenCounter, error) {
	tok, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	return &HFTokenCounter{tok: tok}, nil
}

func (c *HFTokenCounter) Count(text string) int {
	encoding, err := c.tok.EncodeSingle(text, false)
	if err != nil {
		return WordCounter{}.Count(text)
	}
	return len(encoding.GetIds())
}

// HierarchicalChunker splits text documents into a tree of chunks, one level
// per configured size (largest first). Image documents become single leaves.
type HierarchicalChunker struct {
	Sizes   []int
	Overlap int
	Counter TokenCounter
}

func NewHierarchicalChunker(sizes []int, overlap int, counter TokenCounter) *HierarchicalChunker {
	if counter == nil {
		counter = WordCounter{}
	}
	return &HierarchicalChunker{Sizes: sizes, Overlap: overlap, Counter: counter}
}

// Chunk returns every node of every tree, parents before children. Node ids
// are derived from the video id and document position, so re-chunking the
// same input yields the same ids. Documents whose payload does not match
// their kind are skipped.
func (c *HierarchicalChunker) Chunk(videoID string, docs []core.Document) []core.Node {
	var nodes []core.Node
	textSeq, imageSeq := 0, 0
	for i, d := range docs {
		if err := d.Validate(); err != nil {
			logger.L().Warn().Err(err).Str("video_id", videoID).Int("document", i).Msg("skipping invalid document")
			continue
		}
		switch d.Kind {
		case core.KindImage:
			nodes = append(nodes, core.Node{
				ID:      fmt.Sprintf("%s:img:%04d", videoID, imageSeq),
				VideoID: videoID,
				Doc:     d,
			})
			imageSeq++
		case core.KindText:
			prefix := fmt.Sprintf("%s:txt:%04d", videoID, textSeq)
			nodes = append(nodes, c.chunkText(videoID, prefix, d)...)
			textSeq++
		}
	}
	return nodes
}

func (c *HierarchicalChunker) chunkText(videoID, prefix string, d core.Document) []core.Node {
	var out []core.Node
	var build func(text string, level int, parentID, id string) string
	build = func(text string, level int, parentID, id string) string {
		idx := len(out)
		out = append(out, core.Node{
			ID:       id,
			VideoID:  videoID,
			Level:    level,
			ParentID: parentID,
			Doc:      core.NewTextDocument(text, d.Text.Start, d.Text.End),
		})
		if level+1 < len(c.Sizes) {
			for i, piece := range c.split(text, c.Sizes[level+1]) {
				childID := build(piece, level+1, id, fmt.Sprintf("%s.%d", id, i))
				out[idx].ChildIDs = append(out[idx].ChildIDs, childID)
			}
		}
		return id
	}
	if len(c.Sizes) == 0 {
		return []core.Node{{ID: prefix, VideoID: videoID, Doc: d}}
	}
	for i, piece := range c.split(d.Text.Text, c.Sizes[0]) {
		build(piece, 0, "", fmt.Sprintf("%s/%d", prefix, i))
	}
	return out
}

// split cuts text on word boundaries into pieces of at most size tokens,
// carrying up to Overlap tokens from the end of one piece into the next.
func (c *HierarchicalChunker) split(text string, size int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	counts := make([]int, len(words))
	total := 0
	for i, w := range words {
		counts[i] = max(c.Counter.Count(w), 1)
		total += counts[i]
	}
	if total <= size {
		return []string{strings.Join(words, " ")}
	}

	var pieces []string
	start := 0
	for start < len(words) {
		end, used := start, 0
		for end < len(words) && (used+counts[end] <= size || end == start) {
			used += counts[end]
			end++
		}
		pieces = append(pieces, strings.Join(words[start:end], " "))
		if end >= len(words) {
			break
		}
		next, carried := end, 0
		for next > start+1 && carried+counts[next-1] <= c.Overlap {
			carried += counts[next-1]
			next--
		}
		start = next
	}
	return pieces
}

// Leaves filters nodes down to those without children.
func Leaves(nodes []core.Node) []core.Node {
	var out []core.Node
	for _, n := range nodes {
		if n.IsLeaf() {
			out = append(out, n)
		}
	}
	return out
}
