package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"videoQA/core"
	"videoQA/tracing"
)

// pointNamespace seeds the deterministic point ids derived from node ids.
var pointNamespace = uuid.MustParse("6f1c1a5e-3d2b-4c9a-9e1f-7b4d2a8c0e55")

// QdrantVectorIndex talks to Qdrant over its REST API.
type QdrantVectorIndex struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func NewQdrantVectorIndex(baseURL, apiKey string) *QdrantVectorIndex {
	return &QdrantVectorIndex{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status any             `json:"status"`
}

type qdrantCollectionInfo struct {
	Config struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

type qdrantPoint struct {
	ID      string       `json:"id"`
	Vector  []float32    `json:"vector"`
	Payload pointPayload `json:"payload"`
}

type qdrantHit struct {
	ID      any          `json:"id"`
	Score   float64      `json:"score"`
	Payload pointPayload `json:"payload"`
}

func (q *QdrantVectorIndex) collectionURL(name string, suffix ...string) string {
	u := q.baseURL + "/collections/" + url.PathEscape(name)
	for _, s := range suffix {
		u += "/" + s
	}
	return u
}

// do sends body as JSON and decodes the result field into out. It returns the
// HTTP status so callers can treat 404 specially.
func (q *QdrantVectorIndex) do(ctx context.Context, method, u string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s: %s", method, u, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		var env qdrantEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode qdrant response: %w", err)
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode qdrant result: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (q *QdrantVectorIndex) collectionDim(ctx context.Context, name string) (int, bool, error) {
	var info qdrantCollectionInfo
	status, err := q.do(ctx, http.MethodGet, q.collectionURL(name), nil, &info)
	if status == http.StatusNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, core.WrapError(err, core.KindStorage, "qdrant collection lookup failed")
	}
	return info.Config.Params.Vectors.Size, true, nil
}

func (q *QdrantVectorIndex) EnsureCollection(ctx context.Context, name string, dim int) (err error) {
	ctx, span := tracing.Start(ctx, "qdrant.EnsureCollection")
	defer func() { tracing.End(span, err) }()

	have, exists, err := q.collectionDim(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if have != dim {
			return dimensionMismatch(name, have, dim)
		}
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	if _, err := q.do(ctx, http.MethodPut, q.collectionURL(name), body, nil); err != nil {
		return core.WrapError(err, core.KindStorage, "qdrant create collection failed")
	}
	return nil
}

func (q *QdrantVectorIndex) HasCollection(ctx context.Context, name string) (bool, error) {
	_, exists, err := q.collectionDim(ctx, name)
	return exists, err
}

func (q *QdrantVectorIndex) DropCollection(ctx context.Context, name string) error {
	status, err := q.do(ctx, http.MethodDelete, q.collectionURL(name), nil, nil)
	if err != nil && status != http.StatusNotFound {
		return core.WrapError(err, core.KindStorage, "qdrant drop collection failed")
	}
	return nil
}

func (q *QdrantVectorIndex) Upsert(ctx context.Context, name string, nodes []core.Node) (err error) {
	if len(nodes) == 0 {
		return nil
	}
	ctx, span := tracing.Start(ctx, "qdrant.Upsert")
	defer func() { tracing.End(span, err) }()

	points := make([]qdrantPoint, 0, len(nodes))
	for _, n := range nodes {
		p, err := encodePayload(n)
		if err != nil {
			return core.WrapError(err, core.KindInternal, "encode point payload")
		}
		points = append(points, qdrantPoint{
			ID:      uuid.NewSHA1(pointNamespace, []byte(n.ID)).String(),
			Vector:  n.Vector,
			Payload: p,
		})
	}
	body := map[string]any{"points": points}
	if _, err := q.do(ctx, http.MethodPut, q.collectionURL(name, "points")+"?wait=true", body, nil); err != nil {
		return core.WrapError(err, core.KindStorage, "qdrant upsert failed")
	}
	return nil
}

func (q *QdrantVectorIndex) Search(ctx context.Context, name string, vector []float32, topK int) (_ []core.ScoredNode, err error) {
	if topK <= 0 {
		return nil, nil
	}
	ctx, span := tracing.Start(ctx, "qdrant.Search")
	defer func() { tracing.End(span, err) }()

	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var hits []qdrantHit
	status, err := q.do(ctx, http.MethodPost, q.collectionURL(name, "points", "search"), body, &hits)
	if status == http.StatusNotFound {
		return nil, core.NewError(core.KindNotFound, "collection "+name+" does not exist")
	}
	if err != nil {
		return nil, core.WrapError(err, core.KindStorage, "qdrant search failed")
	}

	out := make([]core.ScoredNode, 0, len(hits))
	for _, h := range hits {
		n, err := h.Payload.node()
		if err != nil {
			return nil, core.WrapError(err, core.KindStorage, "qdrant payload is corrupt")
		}
		out = append(out, core.ScoredNode{Node: n, Score: h.Score})
	}
	return out, nil
}

func (q *QdrantVectorIndex) Close() error {
	q.hc.CloseIdleConnections()
	return nil
}

func (q *QdrantVectorIndex) Ping(ctx context.Context) error {
	_, err := q.do(ctx, http.MethodGet, q.baseURL+"/collections", nil, nil)
	return err
}
