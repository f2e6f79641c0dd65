package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videoQA/core"
	"videoQA/tracing"
)

// ASRProvider turns an audio file into timed segments.
type ASRProvider interface {
	Transcribe(ctx context.Context, audioPath string) ([]core.Segment, error)
}

// WhisperASR calls an OpenAI-compatible transcription endpoint.
type WhisperASR struct {
	cli      *openai.Client
	model    string
	language string
}

func NewWhisperASR(cli *openai.Client, model, language string) *WhisperASR {
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperASR{cli: cli, model: model, language: language}
}

func (w *WhisperASR) Transcribe(ctx context.Context, audioPath string) (_ []core.Segment, err error) {
	ctx, span := tracing.Start(ctx, "asr.Transcribe")
	defer func() { tracing.End(span, err) }()

	resp, err := w.cli.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: w.language,
	})
	if err != nil {
		return nil, core.WrapError(err, core.KindUpstream, "speech transcription failed")
	}
	segs := make([]core.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segs = append(segs, core.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)})
	}
	if len(segs) == 0 && strings.TrimSpace(resp.Text) != "" {
		segs = append(segs, core.Segment{Start: 0, End: resp.Duration, Text: strings.TrimSpace(resp.Text)})
	}
	return segs, nil
}

// LocalWhisperASR runs scripts/whisper_transcribe.py, which prints a JSON
// array of {start, end, text}.
type LocalWhisperASR struct {
	Python   string
	Script   string
	Language string
}

func (l *LocalWhisperASR) Transcribe(ctx context.Context, audioPath string) ([]core.Segment, error) {
	args := []string{l.Script, audioPath}
	if l.Language != "" {
		args = append(args, l.Language)
	}
	cmd := exec.CommandContext(ctx, l.Python, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("local whisper transcription failed: %w", err)
	}
	var segs []core.Segment
	if err := json.Unmarshal(output, &segs); err != nil {
		return nil, fmt.Errorf("failed to parse whisper output: %w", err)
	}
	return segs, nil
}
