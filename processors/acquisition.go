package processors

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kkdai/youtube/v2"

	"videoQA/core"
	"videoQA/logger"
)

// Downloader fetches a video into a local directory.
type Downloader interface {
	// VideoID derives the canonical id for videoURL without network access.
	VideoID(videoURL string) (string, error)
	Download(ctx context.Context, videoURL, dir string) (path string, err error)
}

// YouTubeDownloader picks the best muxed stream at or below MaxHeight.
type YouTubeDownloader struct {
	client    *youtube.Client
	MaxHeight int
}

func NewYouTubeDownloader(client *youtube.Client, maxHeight int) *YouTubeDownloader {
	if client == nil {
		client = &youtube.Client{}
	}
	return &YouTubeDownloader{client: client, MaxHeight: maxHeight}
}

func (d *YouTubeDownloader) VideoID(videoURL string) (string, error) {
	id, err := youtube.ExtractVideoID(strings.TrimSpace(videoURL))
	if err != nil {
		return "", core.WrapError(err, core.KindAcquisition, fmt.Sprintf("%q is not a YouTube video URL", videoURL))
	}
	return id, nil
}

func (d *YouTubeDownloader) Download(ctx context.Context, videoURL, dir string) (string, error) {
	video, err := d.client.GetVideoContext(ctx, videoURL)
	if err != nil {
		return "", core.WrapError(err, core.KindAcquisition, "fetch video metadata failed")
	}
	format, ok := selectFormat(video.Formats, d.MaxHeight)
	if !ok {
		return "", core.NewError(core.KindAcquisition,
			fmt.Sprintf("no muxed stream at or below %dp for video %s", d.MaxHeight, video.ID))
	}
	logger.FromContext(ctx).Info().
		Str("quality", format.QualityLabel).
		Str("mime", format.MimeType).
		Int("height", format.Height).
		Msg("selected stream")

	stream, _, err := d.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return "", core.WrapError(err, core.KindAcquisition, "open video stream failed")
	}
	defer stream.Close()

	path := filepath.Join(dir, video.ID+".mp4")
	f, err := os.Create(path)
	if err != nil {
		return "", core.WrapError(err, core.KindInternal, "create video file failed")
	}
	if _, err := io.Copy(f, stream); err != nil {
		f.Close()
		return "", core.WrapError(err, core.KindAcquisition, "download video failed")
	}
	if err := f.Close(); err != nil {
		return "", core.WrapError(err, core.KindInternal, "write video file failed")
	}
	return path, nil
}

// selectFormat returns the muxed format with the highest height not above
// maxHeight, preferring mp4 containers and then higher bitrates.
func selectFormat(formats youtube.FormatList, maxHeight int) (*youtube.Format, bool) {
	var candidates []*youtube.Format
	for i := range formats {
		f := &formats[i]
		if f.AudioChannels == 0 || f.Height == 0 || f.Height > maxHeight {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		am, bm := strings.HasPrefix(a.MimeType, "video/mp4"), strings.HasPrefix(b.MimeType, "video/mp4")
		if am != bm {
			return am
		}
		return a.Bitrate > b.Bitrate
	})
	return candidates[0], true
}
