package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rstmdb/rstmdb/internal/metrics"
)

// MetricsServer exposes /metrics (Prometheus text format) and /health over
// HTTP on its own listener.
type MetricsServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewMetricsServer builds the HTTP server for a metrics registry.
func NewMetricsServer(bindAddr string, m *metrics.Metrics, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              bindAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in a background goroutine.
func (m *MetricsServer) Start() {
	go func() {
		m.logger.Info("metrics server listening", "addr", m.server.Addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// Stop shuts the HTTP server down gracefully.
func (m *MetricsServer) Stop(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
