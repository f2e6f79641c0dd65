package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"videoQA/core"
)

// Pinger is implemented by networked backends for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VectorIndex abstracts the vector backend. Collections are created with a
// fixed dimension; every backend stores the node id and the serialized
// document alongside each vector so hits can be mapped back to nodes.
type VectorIndex interface {
	// EnsureCollection creates name with dim, or checks an existing
	// collection's dimension. A mismatch is a config error.
	EnsureCollection(ctx context.Context, name string, dim int) error
	HasCollection(ctx context.Context, name string) (bool, error)
	// DropCollection removes name. Missing collections are not an error.
	DropCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, nodes []core.Node) error
	Search(ctx context.Context, name string, vector []float32, topK int) ([]core.ScoredNode, error)
	Close() error
}

func TextCollection(videoID string) string  { return "text_" + videoID }
func ImageCollection(videoID string) string { return "img_" + videoID }
func IndexKey(videoID string) string        { return "index_" + videoID }

// pointPayload is what every backend persists next to a vector.
type pointPayload struct {
	NodeID  string `json:"node_id"`
	VideoID string `json:"video_id"`
	Level   int    `json:"level"`
	Doc     string `json:"doc"`
}

func encodePayload(n core.Node) (pointPayload, error) {
	doc, err := json.Marshal(n.Doc)
	if err != nil {
		return pointPayload{}, fmt.Errorf("encode document for node %s: %w", n.ID, err)
	}
	return pointPayload{NodeID: n.ID, VideoID: n.VideoID, Level: n.Level, Doc: string(doc)}, nil
}

func (p pointPayload) node() (core.Node, error) {
	n := core.Node{ID: p.NodeID, VideoID: p.VideoID, Level: p.Level}
	if err := json.Unmarshal([]byte(p.Doc), &n.Doc); err != nil {
		return n, fmt.Errorf("decode document for node %s: %w", p.NodeID, err)
	}
	return n, nil
}

func dimensionMismatch(name string, have, want int) error {
	return core.NewError(core.KindConfig,
		fmt.Sprintf("collection %s has dimension %d, embedder produces %d", name, have, want))
}

func checkVectors(name string, dim int, nodes []core.Node) error {
	for _, n := range nodes {
		if len(n.Vector) != dim {
			return core.NewError(core.KindConfig,
				fmt.Sprintf("node %s vector length %d does not match collection %s dimension %d", n.ID, len(n.Vector), name, dim))
		}
	}
	return nil
}

// ---------------- Memory implementation ----------------

type memoryCollection struct {
	dim    int
	points map[string]core.Node
}

// MemoryVectorIndex is an exact cosine index for tests and local runs.
type MemoryVectorIndex struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{collections: map[string]*memoryCollection{}}
}

func (m *MemoryVectorIndex) EnsureCollection(_ context.Context, name string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		if c.dim != dim {
			return dimensionMismatch(name, c.dim, dim)
		}
		return nil
	}
	m.collections[name] = &memoryCollection{dim: dim, points: map[string]core.Node{}}
	return nil
}

func (m *MemoryVectorIndex) HasCollection(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryVectorIndex) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryVectorIndex) Upsert(_ context.Context, name string, nodes []core.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return core.NewError(core.KindNotFound, "collection "+name+" does not exist")
	}
	if err := checkVectors(name, c.dim, nodes); err != nil {
		return err
	}
	for _, n := range nodes {
		c.points[n.ID] = n
	}
	return nil
}

func (m *MemoryVectorIndex) Search(_ context.Context, name string, vector []float32, topK int) ([]core.ScoredNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "collection "+name+" does not exist")
	}
	if topK <= 0 {
		return nil, nil
	}
	hits := make([]core.ScoredNode, 0, len(c.points))
	for _, n := range c.points {
		hits = append(hits, core.ScoredNode{Node: n, Score: cosine(vector, n.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].Node.ID < hits[j].Node.ID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *MemoryVectorIndex) Close() error { return nil }

// Len returns the number of points in name, or -1 if it does not exist.
func (m *MemoryVectorIndex) Len(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return -1
	}
	return len(c.points)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
