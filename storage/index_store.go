package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"videoQA/core"
	"videoQA/tracing"
)

// IndexStore persists the per-video index record under index_<id>.
type IndexStore interface {
	Put(ctx context.Context, rec *core.IndexRecord) error
	// Get returns core.ErrVideoNotFound when no record exists.
	Get(ctx context.Context, videoID string) (*core.IndexRecord, error)
	Delete(ctx context.Context, videoID string) error
}

// ---------------- Redis implementation ----------------

type RedisIndexStore struct {
	rdb *redis.Client
}

func NewRedisIndexStore(ctx context.Context, addr, password string, db int) (*RedisIndexStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisIndexStore{rdb: rdb}, nil
}

func (s *RedisIndexStore) Put(ctx context.Context, rec *core.IndexRecord) (err error) {
	ctx, span := tracing.Start(ctx, "redis.PutIndex")
	defer func() { tracing.End(span, err) }()

	data, err := json.Marshal(rec)
	if err != nil {
		return core.WrapError(err, core.KindInternal, "encode index record")
	}
	if err := s.rdb.Set(ctx, IndexKey(rec.VideoID), data, 0).Err(); err != nil {
		return core.WrapError(err, core.KindStorage, "save index record failed")
	}
	return nil
}

func (s *RedisIndexStore) Get(ctx context.Context, videoID string) (_ *core.IndexRecord, err error) {
	ctx, span := tracing.Start(ctx, "redis.GetIndex")
	defer func() { tracing.End(span, err) }()

	data, err := s.rdb.Get(ctx, IndexKey(videoID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrVideoNotFound
	}
	if err != nil {
		return nil, core.WrapError(err, core.KindStorage, "load index record failed")
	}
	var rec core.IndexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.WrapError(err, core.KindStorage, "index record is corrupt")
	}
	return &rec, nil
}

func (s *RedisIndexStore) Delete(ctx context.Context, videoID string) error {
	if err := s.rdb.Del(ctx, IndexKey(videoID)).Err(); err != nil {
		return core.WrapError(err, core.KindStorage, "delete index record failed")
	}
	return nil
}

func (s *RedisIndexStore) Close() error { return s.rdb.Close() }

// ---------------- Memory implementation ----------------

type MemoryIndexStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryIndexStore() *MemoryIndexStore {
	return &MemoryIndexStore{records: map[string][]byte{}}
}

// Put stores a JSON copy so callers cannot mutate the stored record.
func (s *MemoryIndexStore) Put(_ context.Context, rec *core.IndexRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return core.WrapError(err, core.KindInternal, "encode index record")
	}
	s.mu.Lock()
	s.records[IndexKey(rec.VideoID)] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryIndexStore) Get(_ context.Context, videoID string) (*core.IndexRecord, error) {
	s.mu.RLock()
	data, ok := s.records[IndexKey(videoID)]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrVideoNotFound
	}
	var rec core.IndexRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.WrapError(err, core.KindStorage, "index record is corrupt")
	}
	return &rec, nil
}

func (s *MemoryIndexStore) Delete(_ context.Context, videoID string) error {
	s.mu.Lock()
	delete(s.records, IndexKey(videoID))
	s.mu.Unlock()
	return nil
}

func (s *RedisIndexStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
