package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"videoQA/core"
	"videoQA/logger"
)

// Ingester is the ingestion surface the HTTP layer needs.
type Ingester interface {
	Ingest(ctx context.Context, videoURL string) (*core.IngestResult, error)
	Delete(ctx context.Context, videoID string) error
}

// Chatter answers questions about an ingested video.
type Chatter interface {
	Chat(ctx context.Context, videoID, query string, image []byte) (*core.ChatResult, error)
}

// Readiness reports the state of every backend the service depends on.
type Readiness func(ctx context.Context) core.HealthReport

type Handlers struct {
	ingester    Ingester
	chatter     Chatter
	ready       Readiness
	appName     string
	debug       bool
	maxUploadMB int64
}

func New(ingester Ingester, chatter Chatter, ready Readiness, appName string, debug bool, maxUploadMB int64) *Handlers {
	if maxUploadMB <= 0 {
		maxUploadMB = 16
	}
	return &Handlers{ingester: ingester, chatter: chatter, ready: ready, appName: appName, debug: debug, maxUploadMB: maxUploadMB}
}

type IngestRequest struct {
	VideoURL string `json:"video_url" binding:"required"`
}

type errorBody struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// WriteError renders err in the {"error": {kind, message}} envelope.
func WriteError(c *gin.Context, err error) {
	appErr := core.AsAppError(err)
	status := appErr.HTTPStatus()
	ev := logger.FromContext(c.Request.Context()).Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.FromContext(c.Request.Context()).Error()
	}
	ev.Err(err).Str("kind", string(appErr.Kind)).Int("status", status).Msg("request failed")
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Kind: appErr.Kind, Message: appErr.Message}})
}

func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": h.appName, "debug": h.debug})
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready runs the readiness probes; any critical failure answers 503.
func (h *Handlers) Ready(c *gin.Context) {
	if h.ready == nil {
		c.JSON(http.StatusOK, core.HealthReport{Status: core.HealthOK, Checks: []core.HealthCheck{}})
		return
	}
	report := h.ready(c.Request.Context())
	status := http.StatusOK
	if report.Status == core.HealthError {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (h *Handlers) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, core.WrapError(err, core.KindInvalidArgument, "body must be {\"video_url\": string}"))
		return
	}
	res, err := h.ingester.Ingest(c.Request.Context(), strings.TrimSpace(req.VideoURL))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Chat(c *gin.Context) {
	videoID := c.PostForm("video_id")
	query := c.PostForm("query")
	if strings.TrimSpace(videoID) == "" || strings.TrimSpace(query) == "" {
		WriteError(c, core.NewError(core.KindInvalidArgument, "video_id and query form fields are required"))
		return
	}

	image, err := h.readImage(c)
	if err != nil {
		WriteError(c, err)
		return
	}
	res, err := h.chatter.Chat(c.Request.Context(), videoID, query, image)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// readImage returns the optional "image" upload, or nil when absent.
func (h *Handlers) readImage(c *gin.Context) ([]byte, error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, core.WrapError(err, core.KindInvalidArgument, "invalid image upload")
	}
	limit := h.maxUploadMB << 20
	if fh.Size > limit {
		return nil, core.NewError(core.KindInvalidArgument, fmt.Sprintf("image exceeds %d MB", h.maxUploadMB))
	}
	f, err := fh.Open()
	if err != nil {
		return nil, core.WrapError(err, core.KindInvalidArgument, "invalid image upload")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, core.WrapError(err, core.KindInvalidArgument, "invalid image upload")
	}
	return data, nil
}

func (h *Handlers) DeleteVideo(c *gin.Context) {
	id := c.Param("id")
	if err := h.ingester.Delete(c.Request.Context(), id); err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_id": id, "status": "deleted"})
}
