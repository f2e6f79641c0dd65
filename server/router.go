// Package server assembles the gin engine for the HTTP API.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"videoQA/config"
	"videoQA/handlers"
)

// NewRouter wires middleware and routes around the given services.
// A nil ready makes GET /ready always report ok.
func NewRouter(cfg *config.Config, ingester handlers.Ingester, chatter handlers.Chatter, ready handlers.Readiness) *gin.Engine {
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = cfg.Server.MaxUploadMB << 20
	r.Use(
		Recovery(),
		RequestID(),
		otelgin.Middleware(cfg.App.Name),
		TraceHeader(),
		AccessLog(),
		Metrics(),
		CORS(cfg.Server.CORSOrigins),
	)

	h := handlers.New(ingester, chatter, ready, cfg.App.Name, cfg.App.Debug, cfg.Server.MaxUploadMB)
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.POST("/ingest", h.Ingest)
	r.POST("/chat", h.Chat)
	r.DELETE("/videos/:id", h.DeleteVideo)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"kind": "not_found", "message": "route not found"}})
	})
	return r
}

// NewHTTPServer binds the engine to the configured address and timeouts.
func NewHTTPServer(cfg config.ServerConfig, engine http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
