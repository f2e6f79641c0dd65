package processors

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"videoQA/core"
	"videoQA/logger"
	"videoQA/metrics"
	"videoQA/storage"
)

// Synthesizer composes an answer from retrieved contexts.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, contexts, images []string) (string, error)
}

type ChatOptions struct {
	TextTopK  int
	ImageTopK int
	// TempDir receives probe images for the duration of one request; empty
	// means the system temp dir.
	TempDir string
}

// ChatService answers questions against one ingested video.
type ChatService struct {
	indexes       storage.IndexStore
	vectors       storage.VectorIndex
	textEmbedder  storage.TextEmbedder
	imageEmbedder storage.ImageEmbedder
	synth         Synthesizer
	opts          ChatOptions
}

func NewChatService(
	indexes storage.IndexStore,
	vectors storage.VectorIndex,
	textEmbedder storage.TextEmbedder,
	imageEmbedder storage.ImageEmbedder,
	synth Synthesizer,
	opts ChatOptions,
) *ChatService {
	return &ChatService{
		indexes:       indexes,
		vectors:       vectors,
		textEmbedder:  textEmbedder,
		imageEmbedder: imageEmbedder,
		synth:         synth,
		opts:          opts,
	}
}

// Chat retrieves evidence for query from videoID's index and answers it.
// Retrieved frames are shown to the LLM by URL. A non-empty image is used
// as a probe for image retrieval and shown to the LLM as well; it is written
// to a temp file that is removed before Chat returns.
func (s *ChatService) Chat(ctx context.Context, videoID, query string, image []byte) (res *core.ChatResult, err error) {
	start := time.Now()
	defer func() {
		metrics.ChatTotal.WithLabelValues(metrics.Status(err), strconv.FormatBool(len(image) > 0)).Inc()
		metrics.ChatDuration.Observe(time.Since(start).Seconds())
	}()

	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return nil, core.NewError(core.KindInvalidArgument, "video_id is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, core.NewError(core.KindInvalidArgument, "query is required")
	}
	ctx = logger.WithVideoID(ctx, videoID)

	rec, err := s.indexes.Get(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if rec.TextDim != s.textEmbedder.Dim() || rec.ImageDim != s.imageEmbedder.Dim() {
		return nil, core.NewError(core.KindConfig, fmt.Sprintf(
			"index %s was built with dimensions %d/%d, embedders produce %d/%d",
			videoID, rec.TextDim, rec.ImageDim, s.textEmbedder.Dim(), s.imageEmbedder.Dim()))
	}
	for _, name := range []string{rec.TextCollection, rec.ImageCollection} {
		ok, err := s.vectors.HasCollection(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.NewError(core.KindNotFound, "collection "+name+" is missing, re-ingest the video")
		}
	}

	var probe string
	if len(image) > 0 {
		probe, err = s.probeURI(videoID, image)
		if err != nil {
			return nil, err
		}
	}

	hits, err := s.retrieve(ctx, rec, query, probe)
	if err != nil {
		return nil, err
	}

	// The probe image goes first, then every retrieved frame.
	contexts := make([]string, 0, len(hits))
	var images []string
	if probe != "" {
		images = append(images, probe)
	}
	for _, n := range hits {
		contexts = append(contexts, n.Content())
		if n.Doc.Kind == core.KindImage {
			images = append(images, n.Doc.Image.URL)
		}
	}
	answer, err := s.synth.Synthesize(ctx, query, contexts, images)
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().Int("sources", len(hits)).Bool("with_image", probe != "").
		Dur("took", time.Since(start)).Msg("chat answered")
	return &core.ChatResult{Answer: answer, Sources: MapSources(hits)}, nil
}

// probeURI round-trips the upload through a request-scoped temp file.
func (s *ChatService) probeURI(videoID string, image []byte) (string, error) {
	f, err := os.CreateTemp(s.opts.TempDir, "uploaded_"+safeName(videoID)+"-*.jpg")
	if err != nil {
		return "", core.WrapError(err, core.KindInternal, "create probe image file")
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(image); err != nil {
		f.Close()
		return "", core.WrapError(err, core.KindInternal, "write probe image")
	}
	if err := f.Close(); err != nil {
		return "", core.WrapError(err, core.KindInternal, "write probe image")
	}
	uri, err := storage.ImageDataURI(path)
	if err != nil {
		return "", core.WrapError(err, core.KindInternal, "read probe image")
	}
	return uri, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// retrieve merges text hits, cross-modal image hits and probe-image hits,
// dropping duplicates and any node the record does not know about.
func (s *ChatService) retrieve(ctx context.Context, rec *core.IndexRecord, query, probe string) ([]core.Node, error) {
	var scored []core.ScoredNode

	if s.opts.TextTopK > 0 {
		vecs, err := s.textEmbedder.EmbedTexts(ctx, []string{query})
		if err != nil {
			return nil, err
		}
		hits, err := s.vectors.Search(ctx, rec.TextCollection, vecs[0], s.opts.TextTopK)
		if err != nil {
			return nil, err
		}
		scored = append(scored, hits...)
	}

	if s.opts.ImageTopK > 0 && rec.FrameCount > 0 {
		qv, err := s.imageEmbedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, err
		}
		hits, err := s.vectors.Search(ctx, rec.ImageCollection, qv, s.opts.ImageTopK)
		if err != nil {
			return nil, err
		}
		scored = append(scored, hits...)

		if probe != "" {
			pv, err := s.imageEmbedder.EmbedImages(ctx, []string{probe})
			if err != nil {
				return nil, err
			}
			hits, err := s.vectors.Search(ctx, rec.ImageCollection, pv[0], s.opts.ImageTopK)
			if err != nil {
				return nil, err
			}
			scored = append(scored, hits...)
		}
	}

	known := make(map[string]core.Node, len(rec.Nodes))
	for _, n := range rec.Nodes {
		known[n.ID] = n
	}
	seen := make(map[string]bool, len(scored))
	var out []core.Node
	for _, h := range scored {
		n, ok := known[h.Node.ID]
		if !ok || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out, nil
}

// MapSources renders retrieved nodes in response form: text nodes carry a
// time range and an excerpt, image nodes a single time and the frame URL.
func MapSources(nodes []core.Node) []core.Source {
	sources := make([]core.Source, 0, len(nodes))
	for _, n := range nodes {
		switch n.Doc.Kind {
		case core.KindText:
			sources = append(sources, core.Source{
				Type: string(core.KindText),
				Time: core.FormatRange(n.Doc.Text.Start, n.Doc.Text.End),
				Text: core.Truncate(n.Doc.Text.Text, core.ExcerptLimit),
			})
		case core.KindImage:
			sources = append(sources, core.Source{
				Type: string(core.KindImage),
				Time: core.FormatTimestamp(n.Doc.Image.Timestamp),
				Path: n.Doc.Image.URL,
			})
		}
	}
	return sources
}
