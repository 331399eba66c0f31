package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/ingest"
	"github.com/cuemby/sentinel/pkg/knowledge"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/monitor"
	"github.com/cuemby/sentinel/pkg/notify"
	"github.com/cuemby/sentinel/pkg/orchestrator"
	"github.com/cuemby/sentinel/pkg/types"
)

// PipelineView is the orchestrator surface the API reads.
type PipelineView interface {
	Snapshot() orchestrator.Snapshot
}

// HealthView is the project monitor surface the API reads.
type HealthView interface {
	Snapshot() monitor.Snapshot
}

// LearningView is the knowledge base surface the API reads.
type LearningView interface {
	LearningSummary(ctx context.Context, days int) (knowledge.Summary, error)
	Degraded() bool
}

// CommandView exposes executor history statistics.
type CommandView interface {
	Stats() executor.Stats
}

// BatchArchive looks up archived batches for GET /batches/{id}.
type BatchArchive interface {
	GetBatch(id int64) (*types.RemediationBatch, error)
}

// Deps are the surfaces the HTTP server exposes. Every field is
// optional; a missing one drops its section from /status or 404s its
// route instead of failing startup.
type Deps struct {
	Pipeline PipelineView
	Health   HealthView
	Learning LearningView
	Commands CommandView
	Archive  BatchArchive
	Inbox    *notify.Inbox

	// Webhook is the ingest delivery handler mounted at POST /webhook.
	Webhook http.HandlerFunc
}

// Server is the single HTTP surface: webhook receiver, control API,
// health and metrics.
type Server struct {
	deps   Deps
	srv    *http.Server
	group  *errgroup.Group
	logger zerolog.Logger
}

// New builds the server for addr. Nothing listens until Start.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("server"),
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed for tests and for embedding.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", ingest.HealthHandler())
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	if s.deps.Webhook != nil {
		r.Post("/webhook", s.deps.Webhook)
	}

	r.Get("/status", s.handleStatus)
	r.Get("/batches/{id}", s.handleBatch)
	r.Get("/approvals", s.handleApprovals)
	r.Post("/approvals/{id}", s.handleDecision)

	return r
}

// Start binds the listener and serves in the background. The bind
// happens here, not in the goroutine, so a bad address fails startup
// instead of surfacing later in the logs.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}

	s.group = new(errgroup.Group)
	s.group.Go(func() error {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	return nil
}

// Stop drains in-flight requests until ctx expires, then waits for the
// serve goroutine.
func (s *Server) Stop(ctx context.Context) error {
	if s.group == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to drain http server: %w", err)
	}
	if err := s.group.Wait(); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
