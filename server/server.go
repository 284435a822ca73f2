// Package server exposes the policy analysis pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/hannes/policylens/analysis"
	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/pipeline"
)

// ModelStatus reports whether the models can serve requests.
type ModelStatus interface {
	IsHealthy() bool
	Info() models.Info
}

// Deps are the components the handlers call into.
type Deps struct {
	Fetcher  analysis.Fetcher
	Pipeline *pipeline.Pipeline
	Analysis *analysis.Manager
	Jobs     *analysis.Queue
	Models   ModelStatus
}

// Options configures the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ShutdownTimeout bounds the graceful shutdown in ListenAndServe.
	ShutdownTimeout time.Duration

	LogRequests bool
	// RequestsPerSecond limits API calls per client; zero disables the limit.
	RequestsPerSecond float64
	Burst             int

	// ExtractTTL is how long /api/extract-attributes-cached results live.
	ExtractTTL  time.Duration
	ExtractSize int

	// Sentry reports panics and 5xx errors; sentry.Init must have been called.
	Sentry bool
}

// Server represents the HTTP server
type Server struct {
	router   chi.Router
	fetcher  analysis.Fetcher
	pipeline *pipeline.Pipeline
	analysis *analysis.Manager
	jobs     *analysis.Queue
	models   ModelStatus
	extracts *expirable.LRU[string, *pipeline.Extraction]
	opts     Options
	logger   *zap.Logger
}

// New creates a server and its routes.
func New(deps Deps, opts Options, logger *zap.Logger) *Server {
	if opts.ExtractTTL <= 0 {
		opts.ExtractTTL = time.Hour
	}
	if opts.ExtractSize <= 0 {
		opts.ExtractSize = 256
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		fetcher:  deps.Fetcher,
		pipeline: deps.Pipeline,
		analysis: deps.Analysis,
		jobs:     deps.Jobs,
		models:   deps.Models,
		extracts: expirable.NewLRU[string, *pipeline.Extraction](opts.ExtractSize, nil, opts.ExtractTTL),
		opts:     opts,
		logger:   logger.Named("server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.opts.LogRequests {
		r.Use(requestLogger(s.logger))
	}
	r.Use(middleware.Recoverer)
	if s.opts.Sentry {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(cors)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if s.opts.RequestsPerSecond > 0 {
			r.Use(newRateLimiter(s.opts.RequestsPerSecond, s.opts.Burst).middleware)
		}

		r.Get("/model/status", s.handleModelStatus)

		// Stored results only, no inference.
		r.Post("/user-question", s.handleUserQuestion)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Get("/policies", s.handleListPolicies)
		r.Delete("/policies", s.handleDeletePolicy)

		r.Group(func(r chi.Router) {
			r.Use(s.requireModels)

			r.Post("/classify-url", s.handleClassifyURL)
			r.Post("/classify-paragraph", s.handleClassifyParagraph)
			r.Post("/extract-attributes", s.handleExtractAttributes)
			r.Post("/extract-attributes-cached", s.handleExtractAttributesCached)
			r.Post("/summary-personal-info", s.handleSummaryPersonalInfo)
			r.Post("/collected-pit", s.handleCollectedPIT)
			r.Post("/collected-shared", s.handleCollectedShared)
			r.Post("/analyze", s.handleAnalyze)
		})
	})

	s.router = r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting policylens API", zap.String("addr", s.opts.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
