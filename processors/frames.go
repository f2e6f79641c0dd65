package processors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"videoQA/core"
	"videoQA/utils"
)

// FrameSampler writes still images at a fixed rate of video time.
type FrameSampler interface {
	// Sample returns the video duration in seconds and frame files in
	// sequence order.
	Sample(ctx context.Context, videoPath, outDir string) (float64, []string, error)
}

type FFmpegFrameSampler struct {
	FFmpeg  string
	FFprobe string
	FPS     float64
}

func (s *FFmpegFrameSampler) Sample(ctx context.Context, videoPath, outDir string) (float64, []string, error) {
	duration, err := utils.ProbeDuration(ctx, s.FFprobe, videoPath)
	if err != nil {
		return 0, nil, core.WrapError(err, core.KindAcquisition, "probe video failed")
	}
	if duration <= 0 {
		return 0, nil, nil
	}
	if err := utils.ExtractFrames(ctx, s.FFmpeg, videoPath, outDir, s.FPS); err != nil {
		return 0, nil, core.WrapError(err, core.KindAcquisition, "extract frames failed")
	}
	frames, err := ListFrames(outDir)
	if err != nil {
		return 0, nil, err
	}
	return duration, frames, nil
}

// ListFrames returns frame*.png files in dir sorted by name, which matches
// sequence order because indices are zero-padded.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "frame") || !strings.HasSuffix(name, ".png") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}
