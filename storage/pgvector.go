package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"videoQA/core"
	"videoQA/tracing"
)

// PgVectorIndex keeps one table per collection with a vector(dim) column.
type PgVectorIndex struct {
	pool *pgxpool.Pool
}

func NewPgVectorIndex(ctx context.Context, dbURL string) (*PgVectorIndex, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}
	return &PgVectorIndex{pool: pool}, nil
}

func tableName(name string) string { return pgx.Identifier{name}.Sanitize() }

// columnDim reads the declared dimension of the embedding column; for the
// vector type atttypmod holds it directly.
func (s *PgVectorIndex) columnDim(ctx context.Context, name string) (int, bool, error) {
	var dim int
	err := s.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		WHERE c.relname = $1 AND a.attname = 'embedding' AND NOT a.attisdropped
	`, name).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return dim, true, nil
}

func (s *PgVectorIndex) EnsureCollection(ctx context.Context, name string, dim int) (err error) {
	ctx, span := tracing.Start(ctx, "pgvector.EnsureCollection")
	defer func() { tracing.End(span, err) }()

	have, exists, err := s.columnDim(ctx, name)
	if err != nil {
		return core.WrapError(err, core.KindStorage, "pgvector table lookup failed")
	}
	if exists {
		if have != dim {
			return dimensionMismatch(name, have, dim)
		}
		return nil
	}

	tbl := tableName(name)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			node_id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL,
			level INT NOT NULL,
			doc JSONB NOT NULL,
			embedding vector(%d) NOT NULL
		)`, tbl, dim)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return core.WrapError(err, core.KindStorage, "pgvector create table failed")
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
		pgx.Identifier{name + "_embedding_idx"}.Sanitize(), tbl)
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return core.WrapError(err, core.KindStorage, "pgvector create index failed")
	}
	return nil
}

func (s *PgVectorIndex) HasCollection(ctx context.Context, name string) (bool, error) {
	_, exists, err := s.columnDim(ctx, name)
	if err != nil {
		return false, core.WrapError(err, core.KindStorage, "pgvector table lookup failed")
	}
	return exists, nil
}

func (s *PgVectorIndex) DropCollection(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+tableName(name)); err != nil {
		return core.WrapError(err, core.KindStorage, "pgvector drop table failed")
	}
	return nil
}

func (s *PgVectorIndex) Upsert(ctx context.Context, name string, nodes []core.Node) (err error) {
	if len(nodes) == 0 {
		return nil
	}
	ctx, span := tracing.Start(ctx, "pgvector.Upsert")
	defer func() { tracing.End(span, err) }()

	query := fmt.Sprintf(`
		INSERT INTO %s (node_id, video_id, level, doc, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (node_id) DO UPDATE SET
			video_id = EXCLUDED.video_id,
			level = EXCLUDED.level,
			doc = EXCLUDED.doc,
			embedding = EXCLUDED.embedding`, tableName(name))

	batch := &pgx.Batch{}
	for _, n := range nodes {
		p, err := encodePayload(n)
		if err != nil {
			return core.WrapError(err, core.KindInternal, "encode point payload")
		}
		batch.Queue(query, p.NodeID, p.VideoID, p.Level, p.Doc, pgvector.NewVector(n.Vector))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return core.WrapError(err, core.KindStorage, "pgvector upsert failed")
	}
	return nil
}

func (s *PgVectorIndex) Search(ctx context.Context, name string, vector []float32, topK int) (_ []core.ScoredNode, err error) {
	if topK <= 0 {
		return nil, nil
	}
	ctx, span := tracing.Start(ctx, "pgvector.Search")
	defer func() { tracing.End(span, err) }()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT node_id, video_id, level, doc::text, 1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, tableName(name)), pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, core.WrapError(err, core.KindStorage, "pgvector search failed")
	}
	defer rows.Close()

	var out []core.ScoredNode
	for rows.Next() {
		var p pointPayload
		var score float64
		if err := rows.Scan(&p.NodeID, &p.VideoID, &p.Level, &p.Doc, &score); err != nil {
			return nil, core.WrapError(err, core.KindStorage, "pgvector scan failed")
		}
		n, err := p.node()
		if err != nil {
			return nil, core.WrapError(err, core.KindStorage, "pgvector payload is corrupt")
		}
		out = append(out, core.ScoredNode{Node: n, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(err, core.KindStorage, "pgvector search failed")
	}
	return out, nil
}

func (s *PgVectorIndex) Close() error {
	s.pool.Close()
	return nil
}

func (s *PgVectorIndex) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
