package processors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"videoQA/core"
	"videoQA/logger"
	"videoQA/metrics"
	"videoQA/storage"
)

// Transcriber produces a transcript outcome; it never fails.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptRequest) TranscriptOutcome
}

type IngestOptions struct {
	// WorkDir is the parent of per-request scratch directories; empty means
	// the system temp dir.
	WorkDir       string
	UploadWorkers int
	EmbedBatch    int
	EmbedWorkers  int
}

// IngestService runs acquisition, sampling, transcription, chunking,
// embedding and indexing for one video at a time.
type IngestService struct {
	downloader    Downloader
	sampler       FrameSampler
	transcriber   Transcriber
	chunker       *HierarchicalChunker
	objects       storage.ObjectStore
	textEmbedder  storage.TextEmbedder
	imageEmbedder storage.ImageEmbedder
	vectors       storage.VectorIndex
	indexes       storage.IndexStore
	opts          IngestOptions
	now           func() time.Time
}

func NewIngestService(
	downloader Downloader,
	sampler FrameSampler,
	transcriber Transcriber,
	chunker *HierarchicalChunker,
	objects storage.ObjectStore,
	textEmbedder storage.TextEmbedder,
	imageEmbedder storage.ImageEmbedder,
	vectors storage.VectorIndex,
	indexes storage.IndexStore,
	opts IngestOptions,
) *IngestService {
	if opts.UploadWorkers <= 0 {
		opts.UploadWorkers = 4
	}
	if opts.EmbedBatch <= 0 {
		opts.EmbedBatch = 32
	}
	if opts.EmbedWorkers <= 0 {
		opts.EmbedWorkers = 2
	}
	return &IngestService{
		downloader:    downloader,
		sampler:       sampler,
		transcriber:   transcriber,
		chunker:       chunker,
		objects:       objects,
		textEmbedder:  textEmbedder,
		imageEmbedder: imageEmbedder,
		vectors:       vectors,
		indexes:       indexes,
		opts:          opts,
		now:           time.Now,
	}
}

// VideoID returns the canonical id that Ingest would store videoURL under.
func (s *IngestService) VideoID(videoURL string) (string, error) {
	return s.downloader.VideoID(videoURL)
}

func (s *IngestService) Ingest(ctx context.Context, videoURL string) (res *core.IngestResult, err error) {
	start := time.Now()
	defer func() {
		metrics.IngestTotal.WithLabelValues(metrics.Status(err)).Inc()
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	videoID, err := s.downloader.VideoID(videoURL)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithVideoID(ctx, videoID)
	log := logger.FromContext(ctx)
	log.Info().Str("url", videoURL).Msg("ingest started")

	scratch, err := os.MkdirTemp(s.opts.WorkDir, "ingest-"+videoID+"-")
	if err != nil {
		return nil, core.WrapError(err, core.KindInternal, "create scratch dir")
	}
	defer os.RemoveAll(scratch)

	// Step 1: acquisition
	stepStart := time.Now()
	videoPath, err := s.downloader.Download(ctx, videoURL, scratch)
	if err != nil {
		return nil, err
	}
	if _, err := s.objects.Upload(ctx, videoPath, storage.VideoKey(videoID), "video/mp4"); err != nil {
		return nil, err
	}
	log.Info().Dur("took", time.Since(stepStart)).Msg("video downloaded and stored")

	// Step 2: frames
	stepStart = time.Now()
	duration, framePaths, err := s.sampler.Sample(ctx, videoPath, filepath.Join(scratch, "frames"))
	if err != nil {
		return nil, err
	}
	frames, err := s.uploadFrames(ctx, videoID, duration, framePaths)
	if err != nil {
		return nil, err
	}
	metrics.FramesSampled.Add(float64(len(frames)))
	log.Info().Int("frames", len(frames)).Float64("duration", duration).Dur("took", time.Since(stepStart)).Msg("frames sampled and stored")

	// Step 3: transcript
	stepStart = time.Now()
	outcome := s.transcriber.Transcribe(ctx, TranscriptRequest{VideoID: videoID, LocalPath: videoPath, WorkDir: scratch})
	metrics.TranscriptTier.WithLabelValues(outcome.Tier).Inc()
	log.Info().Str("tier", outcome.Tier).Int("segments", len(outcome.Segments)).Strs("failures", outcome.Failures).
		Dur("took", time.Since(stepStart)).Msg("transcript resolved")

	// Step 4: documents and nodes
	docs := append(BuildTextDocuments(outcome.Segments), BuildImageDocuments(frames)...)
	nodes := s.chunker.Chunk(videoID, docs)

	// Step 5: embeddings and index
	stepStart = time.Now()
	if err := s.embedLeaves(ctx, nodes, frames); err != nil {
		return nil, err
	}
	rec := &core.IndexRecord{
		VideoID:         videoID,
		TextCollection:  storage.TextCollection(videoID),
		ImageCollection: storage.ImageCollection(videoID),
		TextDim:         s.textEmbedder.Dim(),
		ImageDim:        s.imageEmbedder.Dim(),
		FrameCount:      len(frames),
		DurationSec:     duration,
		TranscriptTier:  outcome.Tier,
		Nodes:           nodes,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.writeIndex(ctx, rec); err != nil {
		return nil, err
	}
	log.Info().Int("nodes", len(nodes)).Dur("took", time.Since(stepStart)).Msg("index written")

	log.Info().Dur("total", time.Since(start)).Msg("ingest completed")
	return &core.IngestResult{VideoID: videoID, Status: "ingested", Frames: len(frames)}, nil
}

// uploadFrames stores every frame. Any failed upload fails the ingestion.
func (s *IngestService) uploadFrames(ctx context.Context, videoID string, duration float64, paths []string) ([]core.Frame, error) {
	timestamps := FrameTimestamps(duration, len(paths))
	frames := make([]core.Frame, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.UploadWorkers)
	for i, p := range paths {
		g.Go(func() error {
			key := storage.FrameKey(videoID, i)
			url, err := s.objects.Upload(gctx, p, key, "image/png")
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			frames[i] = core.Frame{Index: i, TimestampSec: timestamps[i], Key: key, URL: url, Path: p}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, core.WrapError(err, core.KindStorage, "frame upload failed")
	}
	return frames, nil
}

// embedLeaves fills Vector on every leaf node in place.
func (s *IngestService) embedLeaves(ctx context.Context, nodes []core.Node, frames []core.Frame) error {
	localByKey := make(map[string]string, len(frames))
	for _, f := range frames {
		localByKey[f.Key] = f.Path
	}

	pos := make(map[string]int, len(nodes))
	for i, n := range nodes {
		pos[n.ID] = i
	}

	var textIdx, imageIdx []int
	var textIn, imageIn []string
	for _, n := range Leaves(nodes) {
		i := pos[n.ID]
		switch n.Doc.Kind {
		case core.KindText:
			textIdx = append(textIdx, i)
			textIn = append(textIn, n.Doc.Text.Text)
		case core.KindImage:
			ref := n.Doc.Image.URL
			if p := localByKey[n.Doc.Image.StorageKey]; p != "" {
				uri, err := storage.ImageDataURI(p)
				if err != nil {
					return core.WrapError(err, core.KindInternal, "read frame "+p)
				}
				ref = uri
			}
			imageIdx = append(imageIdx, i)
			imageIn = append(imageIn, ref)
		}
	}

	textVecs, err := embedBatches(ctx, textIn, s.opts.EmbedBatch, s.opts.EmbedWorkers, s.textEmbedder.EmbedTexts)
	if err != nil {
		return err
	}
	imageVecs, err := embedBatches(ctx, imageIn, s.opts.EmbedBatch, s.opts.EmbedWorkers, s.imageEmbedder.EmbedImages)
	if err != nil {
		return err
	}
	for j, i := range textIdx {
		if len(textVecs[j]) != s.textEmbedder.Dim() {
			return core.NewError(core.KindConfig, fmt.Sprintf("text embedding has dimension %d, expected %d", len(textVecs[j]), s.textEmbedder.Dim()))
		}
		nodes[i].Vector = textVecs[j]
	}
	for j, i := range imageIdx {
		if len(imageVecs[j]) != s.imageEmbedder.Dim() {
			return core.NewError(core.KindConfig, fmt.Sprintf("image embedding has dimension %d, expected %d", len(imageVecs[j]), s.imageEmbedder.Dim()))
		}
		nodes[i].Vector = imageVecs[j]
	}
	return nil
}

func embedBatches(ctx context.Context, inputs []string, batch, workers int, embed func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < len(inputs); lo += batch {
		hi := min(lo+batch, len(inputs))
		g.Go(func() error {
			vecs, err := embed(gctx, inputs[lo:hi])
			if err != nil {
				return err
			}
			if len(vecs) != hi-lo {
				return core.NewError(core.KindUpstream, fmt.Sprintf("embedder returned %d vectors for %d inputs", len(vecs), hi-lo))
			}
			copy(out[lo:hi], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// writeIndex recreates both collections, upserts the leaves and saves the
// index record last so a reader never sees a record without its vectors.
func (s *IngestService) writeIndex(ctx context.Context, rec *core.IndexRecord) error {
	var textLeaves, imageLeaves []core.Node
	for _, n := range Leaves(rec.Nodes) {
		if n.Vector == nil {
			continue
		}
		if n.Doc.Kind == core.KindImage {
			imageLeaves = append(imageLeaves, n)
		} else {
			textLeaves = append(textLeaves, n)
		}
	}

	for _, c := range []struct {
		name   string
		dim    int
		leaves []core.Node
	}{
		{rec.TextCollection, rec.TextDim, textLeaves},
		{rec.ImageCollection, rec.ImageDim, imageLeaves},
	} {
		if err := s.vectors.DropCollection(ctx, c.name); err != nil {
			return err
		}
		if err := s.vectors.EnsureCollection(ctx, c.name, c.dim); err != nil {
			return err
		}
		if err := s.vectors.Upsert(ctx, c.name, c.leaves); err != nil {
			return err
		}
	}
	return s.indexes.Put(ctx, rec)
}

// Delete removes every artifact stored for videoID. All steps are attempted;
// the first error is returned.
func (s *IngestService) Delete(ctx context.Context, videoID string) error {
	if _, err := s.indexes.Get(ctx, videoID); err != nil {
		return err
	}
	steps := []func() error{
		func() error { return s.objects.Delete(ctx, storage.VideoKey(videoID)) },
		func() error { return s.objects.DeletePrefix(ctx, storage.FramePrefix(videoID)) },
		func() error { return s.vectors.DropCollection(ctx, storage.TextCollection(videoID)) },
		func() error { return s.vectors.DropCollection(ctx, storage.ImageCollection(videoID)) },
		func() error { return s.indexes.Delete(ctx, videoID) },
	}
	var first error
	for _, step := range steps {
		if err := step(); err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		logger.FromContext(logger.WithVideoID(ctx, videoID)).Info().Msg("video evicted")
	}
	return first
}
