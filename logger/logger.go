// Package logger wraps zerolog with request-scoped fields.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	videoIDKey   contextKey = "video_id"
)

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the process logger. format is "json" or "console".
func Init(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	var w io.Writer = os.Stderr
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	base = zerolog.New(w).With().Timestamp().Logger()
}

// L returns the process logger.
func L() *zerolog.Logger { return &base }

// WithRequestID adds the request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithVideoID adds the video id to ctx.
func WithVideoID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, videoIDKey, id)
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns a logger carrying the request and video ids found in ctx.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &base
	}
	c := base.With()
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		c = c.Str("request_id", id)
	}
	if id, ok := ctx.Value(videoIDKey).(string); ok && id != "" {
		c = c.Str("video_id", id)
	}
	l := c.Logger()
	return &l
}
