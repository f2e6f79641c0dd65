package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// RunFFmpeg runs the ffmpeg binary at bin, quoting its output on failure.
func RunFFmpeg(ctx context.Context, bin string, args []string) error {
	path, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("ffmpeg not found, make sure %q is installed and on PATH: %w", bin, err)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = os.Environ()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w\noutput: %s", err, tail(stderr.String(), 2048))
	}
	return nil
}

// ProbeDuration returns the container duration in seconds. Files without a
// duration report 0.
func ProbeDuration(ctx context.Context, bin, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, bin, "-v", "quiet", "-print_format", "json", "-show_format", path)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if probe.Format.Duration == "" || probe.Format.Duration == "N/A" {
		return 0, nil
	}
	d, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", probe.Format.Duration, err)
	}
	return d, nil
}

// ExtractAudio writes 16 kHz mono wav suitable for speech recognition.
func ExtractAudio(ctx context.Context, bin, inputPath, audioOut string) error {
	args := []string{"-y", "-i", inputPath, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", audioOut}
	return RunFFmpeg(ctx, bin, args)
}

// ExtractFrames samples inputPath at fps into framesDir as frame_0000.png,
// frame_0001.png and so on.
func ExtractFrames(ctx context.Context, bin, inputPath, framesDir string, fps float64) error {
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return fmt.Errorf("create frames dir: %w", err)
	}
	args := []string{
		"-y",
		"-i", inputPath,
		"-vf", "fps=" + strconv.FormatFloat(fps, 'f', -1, 64),
		"-start_number", "0",
		filepath.Join(framesDir, "frame_%04d.png"),
	}
	return RunFFmpeg(ctx, bin, args)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
