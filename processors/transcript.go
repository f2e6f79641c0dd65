package processors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kkdai/youtube/v2"

	"videoQA/core"
	"videoQA/logger"
	"videoQA/utils"
)

const (
	TierAuthored = "authored"
	TierSpeech   = "speech"
	TierNone     = "none"
)

// TranscriptRequest identifies the video to transcribe. LocalPath may be
// empty when the video file is not available.
type TranscriptRequest struct {
	VideoID   string
	LocalPath string
	WorkDir   string
}

// TranscriptAttempt is one tier of the transcript chain. A failed attempt
// returns ok=false and a reason; it never returns an error.
type TranscriptAttempt interface {
	Name() string
	Attempt(ctx context.Context, req TranscriptRequest) (segments []core.Segment, reason string, ok bool)
}

// TranscriptOutcome records which tier produced the segments and why the
// earlier tiers were skipped.
type TranscriptOutcome struct {
	Segments []core.Segment
	Tier     string
	Failures []string
}

// TranscriptChain tries each attempt in order and falls back to an empty
// transcript when all of them fail.
type TranscriptChain struct {
	Attempts []TranscriptAttempt
}

func NewTranscriptChain(attempts ...TranscriptAttempt) *TranscriptChain {
	return &TranscriptChain{Attempts: attempts}
}

func (c *TranscriptChain) Transcribe(ctx context.Context, req TranscriptRequest) TranscriptOutcome {
	log := logger.FromContext(ctx)
	var failures []string
	for _, a := range c.Attempts {
		segs, reason, ok := a.Attempt(ctx, req)
		if ok {
			return TranscriptOutcome{Segments: segs, Tier: a.Name(), Failures: failures}
		}
		log.Warn().Str("tier", a.Name()).Str("reason", reason).Msg("transcript tier failed")
		failures = append(failures, a.Name()+": "+reason)
	}
	return TranscriptOutcome{Tier: TierNone, Failures: failures}
}

// ---------------- Authored captions ----------------

// CaptionFetcher returns the authored captions of a video in language.
type CaptionFetcher interface {
	Captions(ctx context.Context, videoID, language string) ([]core.Segment, error)
}

// YouTubeCaptions fetches captions through the YouTube player API.
type YouTubeCaptions struct {
	client *youtube.Client
}

func NewYouTubeCaptions(client *youtube.Client) *YouTubeCaptions {
	if client == nil {
		client = &youtube.Client{}
	}
	return &YouTubeCaptions{client: client}
}

func (y *YouTubeCaptions) Captions(ctx context.Context, videoID, language string) ([]core.Segment, error) {
	video, err := y.client.GetVideoContext(ctx, videoID)
	if err != nil {
		return nil, err
	}
	tr, err := y.client.GetTranscriptCtx(ctx, video, language)
	if err != nil {
		return nil, err
	}
	segs := make([]core.Segment, 0, len(tr))
	for _, s := range tr {
		start := float64(s.StartMs) / 1000
		segs = append(segs, core.Segment{
			Start: start,
			End:   start + float64(s.Duration)/1000,
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return segs, nil
}

// AuthoredTranscript is the first tier: captions published with the video.
type AuthoredTranscript struct {
	Fetcher  CaptionFetcher
	Language string
}

func (a *AuthoredTranscript) Name() string { return TierAuthored }

func (a *AuthoredTranscript) Attempt(ctx context.Context, req TranscriptRequest) ([]core.Segment, string, bool) {
	segs, err := a.Fetcher.Captions(ctx, req.VideoID, a.Language)
	if err != nil {
		return nil, err.Error(), false
	}
	if len(segs) == 0 {
		return nil, "no captions in " + a.Language, false
	}
	return segs, "", true
}

// ---------------- Speech recognition ----------------

// SpeechTranscript is the second tier: run ASR over the downloaded video's
// audio track.
type SpeechTranscript struct {
	ASR     ASRProvider
	FFmpeg  string
	Enabled bool
}

func (s *SpeechTranscript) Name() string { return TierSpeech }

func (s *SpeechTranscript) Attempt(ctx context.Context, req TranscriptRequest) ([]core.Segment, string, bool) {
	if !s.Enabled {
		return nil, "speech fallback disabled", false
	}
	if req.LocalPath == "" {
		return nil, "no local video", false
	}
	if _, err := os.Stat(req.LocalPath); err != nil {
		return nil, "no local video: " + err.Error(), false
	}
	audio := filepath.Join(req.WorkDir, "audio.wav")
	if err := utils.ExtractAudio(ctx, s.FFmpeg, req.LocalPath, audio); err != nil {
		return nil, fmt.Sprintf("extract audio: %v", err), false
	}
	defer os.Remove(audio)

	segs, err := s.ASR.Transcribe(ctx, audio)
	if err != nil {
		return nil, err.Error(), false
	}
	return segs, "", true
}
