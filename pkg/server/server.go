// Package server exposes the plan hub over HTTP.
//
// Routes:
//
//	GET  /health              liveness
//	GET  /metrics             prometheus exposition
//	GET  /api/v1/state        full plan document
//	POST /api/v1/update-task  apply a task update (bearer auth when configured)
//	POST /api/v1/reset        restore the default template (bearer auth when configured)
//	GET  /api/v1/stream       Server-Sent Events stream of updates
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/stream"
)

// MinSecretLength is the shortest accepted bearer secret.
const MinSecretLength = 32

// StateService is the document API the handlers need.
type StateService interface {
	GetState(ctx context.Context) (plan.Document, error)
	UpdateTask(ctx context.Context, taskID string, u plan.Update) (*plan.Task, error)
	ResetState(ctx context.Context) error
}

// Streamer serves one stream client.
type Streamer interface {
	Serve(ctx context.Context, w stream.FrameWriter, disconnected func() bool) error
}

// Config holds HTTP server settings.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	ServiceName     string

	// AuthSecret protects write routes when non-empty.
	AuthSecret string

	// RateLimitRPS limits write requests per client IP. Zero disables.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server represents the HTTP server.
type Server struct {
	config  Config
	echo    *echo.Echo
	state   StateService
	streams Streamer
	logger  *zap.Logger

	// streamCtx is cancelled when shutdown begins so open streams end
	// instead of holding the server open until the shutdown timeout.
	streamCtx    context.Context
	cancelStream context.CancelFunc
}

// HealthResponse is the JSON response for /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg Config, state StateService, streams Streamer, logger *zap.Logger) (*Server, error) {
	if state == nil {
		return nil, errors.New("state service cannot be nil")
	}
	if streams == nil {
		return nil, errors.New("streamer cannot be nil")
	}
	if cfg.AuthSecret != "" && len(cfg.AuthSecret) < MinSecretLength {
		return nil, fmt.Errorf("auth secret must be at least %d characters", MinSecretLength)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "planhub"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		config:  cfg,
		echo:    e,
		state:   state,
		streams: streams,
		logger:  logger.Named("http"),
	}
	s.streamCtx, s.cancelStream = context.WithCancel(context.Background())

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestContext())
	e.Use(NewHTTPMetrics(s.logger).MetricsMiddleware())
	e.Use(requestLogger(s.logger))

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/state", s.handleGetState)
	v1.GET("/stream", s.handleStream)

	writes := []echo.MiddlewareFunc{}
	if s.config.RateLimitRPS > 0 {
		writes = append(writes, newIPRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst).Middleware())
	}
	if s.config.AuthSecret != "" {
		writes = append(writes, BearerAuth(s.config.AuthSecret))
	}
	v1.POST("/update-task", s.handleUpdateTask, writes...)
	v1.POST("/reset", s.handleReset, writes...)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.config.ServiceName,
	})
}

// Start starts the HTTP server and blocks until context is cancelled.
//
// When the context is cancelled, open streams are ended and the server
// performs graceful shutdown with the configured timeout. Returns
// http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		s.cancelStream()
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		s.cancelStream()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
