// Package server exposes the analysis engine over HTTP: a small JSON API to
// start runs and poll them, a websocket stream of live progress events, and
// the usual health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avetel/proplens/internal/config"
	"github.com/avetel/proplens/internal/pipeline"
	"github.com/avetel/proplens/internal/session"
	"github.com/avetel/proplens/internal/stream"
)

// Server wires the HTTP surface to the supervisor, registry, and hub.
type Server struct {
	cfg        *config.Config
	supervisor *pipeline.Supervisor
	registry   *session.Registry
	hub        *stream.Hub
	logger     *slog.Logger
	engine     *gin.Engine
	upgrader   websocket.Upgrader

	// base is the lifetime context handed to analysis workers. Request
	// contexts end with the response, so runs must not inherit them.
	base context.Context

	httpSrv *http.Server
}

// New builds the server and its routes. ctx bounds the lifetime of analysis
// runs started through the API: cancelling it aborts every in-flight session.
func New(
	ctx context.Context,
	cfg *config.Config,
	supervisor *pipeline.Supervisor,
	registry *session.Registry,
	hub *stream.Hub,
	logger *slog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		supervisor: supervisor,
		registry:   registry,
		hub:        hub,
		logger:     logger.With("component", "server"),
		base:       ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	engine := gin.New()
	engine.Use(requestID(), requestLogging(s.logger), recovery(s.logger))

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/analyses", s.handleStartAnalysis)
		v1.GET("/analyses/:id/progress", s.handleProgress)
		v1.GET("/analyses/:id/result", s.handleResult)
		v1.GET("/analyses/:id/stream", s.handleStream)
	}

	s.engine = engine
	return s
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.engine
}

// ListenAndServe blocks serving HTTP until the listener fails or Shutdown is
// called.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Server.Addr
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.registry.Len(),
		"running":  s.supervisor.Running(),
	})
}
