// Package api exposes the engine over HTTP.
//
// Routes (all JSON):
//
//	POST /api/v1/events                     deliver an event, start triggered instances
//	GET  /api/v1/definitions                list stored definition versions
//	POST /api/v1/definitions                compile, validate, and deploy CUE source
//	GET  /api/v1/instances                  list instances (status, definition_id, correlation_key, limit)
//	POST /api/v1/instances                  start an instance
//	GET  /api/v1/instances/:id              current instance document
//	POST /api/v1/instances/:id/advance      continue a yielded instance
//	POST /api/v1/instances/:id/resume       resume a suspend point by token
//	POST /api/v1/instances/:id/cancel       cancel a live instance
//	GET  /api/v1/instances/:id/approvals    approval requests of an instance
//	POST /api/v1/approvals/:id/decision     approve or reject
//	POST /api/v1/sweeps/timeouts            run one timeout sweep
//	GET  /ws                                real-time notifications (websocket)
//	GET  /metrics                           Prometheus metrics
//	GET  /healthz                           liveness
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/roach88/stepflow/internal/app"
)

// ServiceName identifies the server in traces and health responses.
const ServiceName = "stepflow"

// Server holds the dependencies for the API server.
type Server struct {
	app    *app.App
	echo   *echo.Echo
	logger *slog.Logger
}

// NewServer creates a Server with every route registered.
func NewServer(a *app.App) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(a.Logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(ServiceName, otelecho.WithSkipper(func(c echo.Context) bool {
		return c.Path() == "/metrics" || c.Path() == "/healthz"
	})))
	e.Use(requestLogger(a.Logger))

	s := &Server{app: a, echo: e, logger: a.Logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.Health)
	s.echo.GET("/metrics", echo.WrapHandler(s.app.Prometheus.Handler()))
	s.echo.GET("/ws", echo.WrapHandler(s.app.Hub))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.PostEvent)

	v1.GET("/definitions", s.ListDefinitions)
	v1.POST("/definitions", s.PostDefinitions)

	v1.GET("/instances", s.ListInstances)
	v1.POST("/instances", s.StartInstance)
	v1.GET("/instances/:id", s.GetInstance)
	v1.POST("/instances/:id/advance", s.AdvanceInstance)
	v1.POST("/instances/:id/resume", s.ResumeInstance)
	v1.POST("/instances/:id/cancel", s.CancelInstance)
	v1.GET("/instances/:id/approvals", s.ListApprovals)

	v1.POST("/approvals/:id/decision", s.DecideApproval)
	v1.POST("/sweeps/timeouts", s.SweepTimeouts)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.echo,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}

// requestLogger logs one line per request with slog.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			logger.Debug("request",
				"method", req.Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
			return nil
		}
	}
}
