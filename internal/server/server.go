// Package server exposes the execution engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/hkuds/pybox/internal/history"
	"github.com/hkuds/pybox/internal/observability"
	"github.com/hkuds/pybox/internal/sandbox"
	"github.com/hkuds/pybox/internal/tools"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 1 << 20
)

// Runner admits and executes one payload.
type Runner interface {
	Run(ctx context.Context, req sandbox.Request, sessionID string) (tools.Run, error)
}

// HistoryStore reads stored executions.
type HistoryStore interface {
	Get(ctx context.Context, id string) (*history.Record, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]history.Record, error)
}

// Pinger reports whether the isolation backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Server. Runner and Registry are required.
type Options struct {
	Runner   Runner
	Registry *tools.ToolRegistry
	History  HistoryStore // nil disables the history routes
	Health   Pinger
	Metrics  *observability.MetricsCollector
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	runner   Runner
	registry *tools.ToolRegistry
	history  HistoryStore
	health   Pinger
	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
	logger   *slog.Logger
	router   chi.Router
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("server: runner is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("server: tool registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		runner:   opts.Runner,
		registry: opts.Registry,
		history:  opts.History,
		health:   opts.Health,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if s.metrics != nil || s.tracer != nil {
		r.Use(observability.MetricsMiddleware(s.metrics, s.tracer))
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/execute", s.handleExecute)

		r.Get("/tools", s.handleListTools)
		r.Post("/tools/{name}", s.handleCallTool)

		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/sessions/{id}/executions", s.handleListSessionExecutions)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("pybox API listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
