// Package server exposes the engine over HTTP: vector CRUD, search,
// artifact dump/load, asynchronous reindexing with task polling, health,
// Prometheus metrics and pprof.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/annexdb/annex/pkg/engine"
)

// Server wires the HTTP interface to an already-opened Engine. It does not
// own the Engine's lifecycle; the caller closes it after Shutdown.
type Server struct {
	engine *engine.Engine
	log    *log.Logger

	httpServer  *http.Server
	taskManager *TaskManager
	authToken   string
}

// Options configures NewServer.
type Options struct {
	Addr string
	// AuthToken, when non-empty, requires "Authorization: Bearer <token>"
	// on every endpoint except health and metrics.
	AuthToken string
	Logger    *log.Logger
}

// NewServer builds the handler chain: recovery outermost, then request
// logging and metrics, then auth, then the route mux. Health and metrics
// bypass the chain so probes stay cheap and unauthenticated.
func NewServer(eng *engine.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}

	s := &Server{
		engine:      eng,
		log:         logger.With("component", "http"),
		taskManager: NewTaskManager(),
		authToken:   opts.AuthToken,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	rootMux := http.NewServeMux()
	s.registerUnprotectedRoutes(rootMux)
	rootMux.Handle("/", handler)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           rootMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full handler tree. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Run() error {
	s.log.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests. The Engine stays open.
func (s *Server) Shutdown(ctx context.Context) {
	s.log.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("shutdown", "err", err)
	}
}
