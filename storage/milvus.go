package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videoQA/core"
	"videoQA/tracing"
)

const (
	milvusVectorField = "vector"
	milvusMaxDocLen   = 65535
)

var milvusNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,254}$`)

// milvusName maps a collection name onto Milvus' identifier rules. Names that
// already comply pass through; others are hex-encoded deterministically.
func milvusName(name string) string {
	if milvusNamePattern.MatchString(name) {
		return name
	}
	return "h_" + hex.EncodeToString([]byte(name))
}

// MilvusVectorIndex stores each collection as a Milvus collection with an
// HNSW cosine index on the vector field.
type MilvusVectorIndex struct {
	mc client.Client
}

func NewMilvusVectorIndex(ctx context.Context, addr, username, password string) (*MilvusVectorIndex, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: addr, Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	return &MilvusVectorIndex{mc: mc}, nil
}

func (s *MilvusVectorIndex) collectionDim(ctx context.Context, coll string) (int, error) {
	desc, err := s.mc.DescribeCollection(ctx, coll)
	if err != nil {
		return 0, err
	}
	for _, f := range desc.Schema.Fields {
		if f.Name == milvusVectorField {
			return strconv.Atoi(f.TypeParams[entity.TypeParamDim])
		}
	}
	return 0, fmt.Errorf("collection %s has no %s field", coll, milvusVectorField)
}

func (s *MilvusVectorIndex) EnsureCollection(ctx context.Context, name string, dim int) (err error) {
	ctx, span := tracing.Start(ctx, "milvus.EnsureCollection")
	defer func() { tracing.End(span, err) }()

	coll := milvusName(name)
	has, err := s.mc.HasCollection(ctx, coll)
	if err != nil {
		return core.WrapError(err, core.KindStorage, "milvus has collection failed")
	}
	if has {
		have, err := s.collectionDim(ctx, coll)
		if err != nil {
			return core.WrapError(err, core.KindStorage, "milvus describe collection failed")
		}
		if have != dim {
			return dimensionMismatch(name, have, dim)
		}
		return nil
	}

	schema := entity.NewSchema().WithName(coll).WithDescription(name)
	schema.WithField(entity.NewField().WithName("node_id").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256))
	schema.WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
	schema.WithField(entity.NewField().WithName("level").WithDataType(entity.FieldTypeInt64))
	schema.WithField(entity.NewField().WithName("doc").WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusMaxDocLen))
	schema.WithField(entity.NewField().WithName(milvusVectorField).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))

	if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
		return core.WrapError(err, core.KindStorage, "milvus create collection failed")
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return core.WrapError(err, core.KindInternal, "milvus hnsw index params")
	}
	if err := s.mc.CreateIndex(ctx, coll, milvusVectorField, idx, false, client.WithIndexName("idx_vector")); err != nil {
		return core.WrapError(err, core.KindStorage, "milvus create index failed")
	}
	if err := s.mc.LoadCollection(ctx, coll, false); err != nil {
		return core.WrapError(err, core.KindStorage, "milvus load collection failed")
	}
	return nil
}

func (s *MilvusVectorIndex) HasCollection(ctx context.Context, name string) (bool, error) {
	has, err := s.mc.HasCollection(ctx, milvusName(name))
	if err != nil {
		return false, core.WrapError(err, core.KindStorage, "milvus has collection failed")
	}
	return has, nil
}

func (s *MilvusVectorIndex) DropCollection(ctx context.Context, name string) error {
	coll := milvusName(name)
	has, err := s.mc.HasCollection(ctx, coll)
	if err != nil {
		return core.WrapError(err, core.KindStorage, "milvus has collection failed")
	}
	if !has {
		return nil
	}
	if err := s.mc.DropCollection(ctx, coll); err != nil {
		return core.WrapError(err, core.KindStorage, "milvus drop collection failed")
	}
	return nil
}

func (s *MilvusVectorIndex) Upsert(ctx context.Context, name string, nodes []core.Node) (err error) {
	if len(nodes) == 0 {
		return nil
	}
	ctx, span := tracing.Start(ctx, "milvus.Upsert")
	defer func() { tracing.End(span, err) }()

	dim := len(nodes[0].Vector)
	if err := checkVectors(name, dim, nodes); err != nil {
		return err
	}

	ids := make([]string, 0, len(nodes))
	videoIDs := make([]string, 0, len(nodes))
	levels := make([]int64, 0, len(nodes))
	docs := make([]string, 0, len(nodes))
	vectors := make([][]float32, 0, len(nodes))
	for _, n := range nodes {
		p, err := encodePayload(n)
		if err != nil {
			return core.WrapError(err, core.KindInternal, "encode point payload")
		}
		if len(p.Doc) > milvusMaxDocLen {
			return core.NewError(core.KindStorage, fmt.Sprintf("node %s document exceeds %d bytes", n.ID, milvusMaxDocLen))
		}
		ids = append(ids, p.NodeID)
		videoIDs = append(videoIDs, p.VideoID)
		levels = append(levels, int64(p.Level))
		docs = append(docs, p.Doc)
		vectors = append(vectors, n.Vector)
	}

	coll := milvusName(name)
	_, err = s.mc.Upsert(ctx, coll, "",
		entity.NewColumnVarChar("node_id", ids),
		entity.NewColumnVarChar("video_id", videoIDs),
		entity.NewColumnInt64("level", levels),
		entity.NewColumnVarChar("doc", docs),
		entity.NewColumnFloatVector(milvusVectorField, dim, vectors),
	)
	if err != nil {
		return core.WrapError(err, core.KindStorage, "milvus upsert failed")
	}
	if err := s.mc.Flush(ctx, coll, false); err != nil {
		return core.WrapError(err, core.KindStorage, "milvus flush failed")
	}
	return nil
}

func (s *MilvusVectorIndex) Search(ctx context.Context, name string, vector []float32, topK int) (_ []core.ScoredNode, err error) {
	if topK <= 0 {
		return nil, nil
	}
	ctx, span := tracing.Start(ctx, "milvus.Search")
	defer func() { tracing.End(span, err) }()

	coll := milvusName(name)
	sp, err := entity.NewIndexHNSWSearchParam(74)
	if err != nil {
		return nil, core.WrapError(err, core.KindInternal, "milvus search params")
	}
	res, err := s.mc.Search(ctx, coll, []string{}, "", []string{"node_id", "video_id", "level", "doc"},
		[]entity.Vector{entity.FloatVector(vector)}, milvusVectorField, entity.COSINE, topK, sp)
	if err != nil {
		return nil, core.WrapError(err, core.KindStorage, "milvus search failed")
	}

	var out []core.ScoredNode
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			var p pointPayload
			if c, ok := cols["node_id"].(*entity.ColumnVarChar); ok && i < c.Len() {
				p.NodeID = c.Data()[i]
			}
			if c, ok := cols["video_id"].(*entity.ColumnVarChar); ok && i < c.Len() {
				p.VideoID = c.Data()[i]
			}
			if c, ok := cols["level"].(*entity.ColumnInt64); ok && i < c.Len() {
				p.Level = int(c.Data()[i])
			}
			if c, ok := cols["doc"].(*entity.ColumnVarChar); ok && i < c.Len() {
				p.Doc = c.Data()[i]
			}
			n, err := p.node()
			if err != nil {
				return nil, core.WrapError(err, core.KindStorage, "milvus payload is corrupt")
			}
			out = append(out, core.ScoredNode{Node: n, Score: float64(r.Scores[i])})
		}
	}
	return out, nil
}

func (s *MilvusVectorIndex) Close() error { return s.mc.Close() }

func (s *MilvusVectorIndex) Ping(ctx context.Context) error {
	_, err := s.mc.ListCollections(ctx)
	return err
}
