// Package initialization builds the service graph from configuration.
package initialization

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kkdai/youtube/v2"

	"videoQA/config"
	"videoQA/core"
	"videoQA/logger"
	"videoQA/processors"
	"videoQA/storage"
)

// System holds every long-lived handle. Close releases them in reverse
// order of construction.
type System struct {
	Config  *config.Config
	Vectors storage.VectorIndex
	Objects storage.ObjectStore
	Indexes storage.IndexStore
	Ingest  *processors.IngestService
	Chat    *processors.ChatService

	closers []func() error
}

// Initialize validates cfg and connects every backend it names. The
// "memory" vector backend keeps objects and index records in process too.
func Initialize(ctx context.Context, cfg *config.Config) (_ *System, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sys := &System{Config: cfg}
	defer func() {
		if err != nil {
			sys.Close()
		}
	}()

	if cfg.Video.WorkDir != "" {
		if err := os.MkdirAll(cfg.Video.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}

	if err := sys.initStores(ctx); err != nil {
		return nil, err
	}

	textEmbedder := storage.NewOpenAIEmbedder(
		storage.NewOpenAIClient(cfg.Embedding.TextBaseURL, cfg.Embedding.TextAPIKey),
		cfg.Embedding.TextModel, cfg.Embedding.TextDim)
	imageEmbedder := storage.NewOpenAIEmbedder(
		storage.NewOpenAIClient(cfg.Embedding.ImageBaseURL, cfg.Embedding.ImageAPIKey),
		cfg.Embedding.ImageModel, cfg.Embedding.ImageDim)

	counter, err := newTokenCounter(cfg.Chunking)
	if err != nil {
		return nil, err
	}

	yt := &youtube.Client{}
	downloader := processors.NewYouTubeDownloader(yt, cfg.Video.MaxHeight)
	sampler := &processors.FFmpegFrameSampler{
		FFmpeg:  cfg.Video.FFmpeg,
		FFprobe: cfg.Video.FFprobe,
		FPS:     cfg.Video.FrameFPS,
	}
	transcripts := processors.NewTranscriptChain(
		&processors.AuthoredTranscript{
			Fetcher:  processors.NewYouTubeCaptions(yt),
			Language: cfg.Transcript.Language,
		},
		&processors.SpeechTranscript{
			ASR:     newASR(cfg),
			FFmpeg:  cfg.Video.FFmpeg,
			Enabled: cfg.Transcript.SpeechFallback,
		},
	)
	chunker := processors.NewHierarchicalChunker(cfg.Chunking.ChunkSizes, cfg.Chunking.Overlap, counter)

	sys.Ingest = processors.NewIngestService(
		downloader, sampler, transcripts, chunker,
		sys.Objects, textEmbedder, imageEmbedder, sys.Vectors, sys.Indexes,
		processors.IngestOptions{
			WorkDir:       cfg.Video.WorkDir,
			UploadWorkers: cfg.Minio.UploadWorker,
			EmbedBatch:    cfg.Embedding.BatchSize,
			EmbedWorkers:  cfg.Embedding.Workers,
		},
	)

	llm := processors.NewOpenAILLM(
		storage.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey),
		cfg.LLM.Model, cfg.LLM.MaxNewTokens, cfg.LLM.RequestTimeout)
	synth := processors.NewCompactSynthesizer(llm, counter, cfg.LLM.ContextWindow, cfg.LLM.MaxNewTokens)
	sys.Chat = processors.NewChatService(sys.Indexes, sys.Vectors, textEmbedder, imageEmbedder, synth,
		processors.ChatOptions{
			TextTopK:  cfg.Query.TextTopK,
			ImageTopK: cfg.Query.ImageTopK,
			TempDir:   cfg.Video.WorkDir,
		})

	logger.L().Info().
		Str("vector_backend", cfg.Vector.Backend).
		Str("asr", cfg.ASR.Provider).
		Str("llm", cfg.LLM.Model).
		Msg("system initialized")
	return sys, nil
}

func (s *System) initStores(ctx context.Context) error {
	cfg := s.Config
	if cfg.Vector.Backend == "memory" {
		s.Vectors = storage.NewMemoryVectorIndex()
		s.Objects = storage.NewMemoryObjectStore(cfg.Minio.Endpoint, cfg.Minio.Bucket)
		s.Indexes = storage.NewMemoryIndexStore()
		return nil
	}

	vectors, err := newVectorIndex(ctx, cfg.Vector)
	if err != nil {
		return err
	}
	s.Vectors = vectors
	s.closers = append(s.closers, vectors.Close)

	objects, err := storage.NewMinioObjectStore(ctx, cfg.Minio.Endpoint, cfg.Minio.AccessKey,
		cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.Secure, cfg.Minio.PublicRead)
	if err != nil {
		return err
	}
	s.Objects = objects

	indexes, err := storage.NewRedisIndexStore(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	s.Indexes = indexes
	s.closers = append(s.closers, indexes.Close)
	return nil
}

func newVectorIndex(ctx context.Context, cfg config.VectorConfig) (storage.VectorIndex, error) {
	switch cfg.Backend {
	case "qdrant":
		return storage.NewQdrantVectorIndex(cfg.QdrantURL, cfg.QdrantKey), nil
	case "milvus":
		return storage.NewMilvusVectorIndex(ctx, cfg.MilvusAddr, cfg.MilvusUser, cfg.MilvusPass)
	case "pgvector":
		return storage.NewPgVectorIndex(ctx, cfg.PostgresURL)
	case "memory":
		return storage.NewMemoryVectorIndex(), nil
	}
	return nil, fmt.Errorf("unsupported vector backend %q", cfg.Backend)
}

func newTokenCounter(cfg config.ChunkingConfig) (processors.TokenCounter, error) {
	if cfg.TokenizerPath == "" {
		return processors.WordCounter{}, nil
	}
	return processors.NewHFTokenCounter(cfg.TokenizerPath)
}

func newASR(cfg *config.Config) processors.ASRProvider {
	if cfg.ASR.Provider == "local-whisper" {
		return &processors.LocalWhisperASR{
			Python:   cfg.ASR.Python,
			Script:   cfg.ASR.Script,
			Language: cfg.Transcript.Language,
		}
	}
	cli := storage.NewOpenAIClient(cfg.ASR.BaseURL, cfg.ASR.APIKey)
	return processors.NewWhisperASR(cli, cfg.ASR.Model, cfg.Transcript.Language)
}

// Probes lists readiness checks for the configured tools and backends.
func (s *System) Probes() []core.Probe {
	cfg := s.Config
	probes := []core.Probe{
		core.CommandProbe("ffmpeg", true, cfg.Video.FFmpeg, "-version"),
		core.CommandProbe("ffprobe", true, cfg.Video.FFprobe, "-version"),
		core.WritableDirProbe("work_dir", cfg.Video.WorkDir),
	}
	if cfg.ASR.Provider == "local-whisper" {
		probes = append(probes, core.CommandProbe("python", false, cfg.ASR.Python, "--version"))
	}
	named := []struct {
		name    string
		backend any
	}{
		{"vector_" + cfg.Vector.Backend, s.Vectors},
		{"object_store", s.Objects},
		{"index_store", s.Indexes},
	}
	for _, n := range named {
		if p, ok := n.backend.(storage.Pinger); ok {
			probes = append(probes, core.PingProbe(n.name, p.Ping))
		}
	}
	return probes
}

// Ready runs Probes with a per-probe timeout.
func (s *System) Ready(ctx context.Context) core.HealthReport {
	return core.RunProbes(ctx, s.Probes(), 5*time.Second)
}

// Close releases backend connections; it is safe on a partially built System.
func (s *System) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
