// Package server exposes the event engine over HTTP.
//
// A chat request names one or more threads; each thread runs as its own
// task under a lifecycle scope keyed by thread id, and their live events
// are multiplexed into a single SSE response. A running thread can be
// halted from another request through the task registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/pithecene-io/tributary/iox"
	"github.com/pithecene-io/tributary/lifecycle"
	"github.com/pithecene-io/tributary/log"
	"github.com/pithecene-io/tributary/metrics"
	"github.com/pithecene-io/tributary/multiplex"
	"github.com/pithecene-io/tributary/replay"
	"github.com/pithecene-io/tributary/runtime"
)

// Defaults for Config zero values.
const (
	DefaultAddr              = ":8080"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
)

// ThreadRequest is one thread's share of a chat request.
type ThreadRequest struct {
	ThreadID string
	// Turn is the client's turn number, zero when not sent.
	Turn  int
	Input any
}

// StreamFactory prepares one turn of a thread. It is called once per
// thread id in a chat request, before any response is written.
type StreamFactory func(ctx context.Context, req ThreadRequest) (multiplex.Stream, error)

// ComponentFactory returns fresh replay components for a state request.
type ComponentFactory func() []replay.Component

// Config configures the server.
type Config struct {
	Addr              string
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	// QueueSize is the per-thread multiplexer queue capacity.
	QueueSize int
	// CleanupTimeout bounds how long a cancelled thread is awaited.
	CleanupTimeout time.Duration
	// StrictValidation promotes orphaned tool calls to errors.
	StrictValidation bool

	// Streams starts thread turns. Required.
	Streams StreamFactory
	// Loader reads stored threads for the validate and state endpoints.
	// Those endpoints answer 501 when it is nil.
	Loader runtime.EventLoader
	// Components feeds the state endpoint. Optional.
	Components ComponentFactory
	// Closers are released after the HTTP server has stopped.
	Closers []io.Closer

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Server hosts the HTTP API.
type Server struct {
	config     Config
	tasks      *lifecycle.Registry
	scope      *lifecycle.Scope
	mux        *multiplex.Multiplexer
	httpServer *http.Server
	logger     *log.Logger
	collector  *metrics.Collector
}

// New creates a server. It does not start listening.
func New(cfg Config) (*Server, error) {
	if cfg.Streams == nil {
		return nil, errors.New("stream factory is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}

	tasks := lifecycle.NewRegistry()
	s := &Server{
		config: cfg,
		tasks:  tasks,
		scope: &lifecycle.Scope{
			Registry:       tasks,
			CleanupTimeout: cfg.CleanupTimeout,
			Logger:         cfg.Logger,
			Collector:      cfg.Collector,
		},
		mux: multiplex.New(multiplex.Options{
			QueueSize:      cfg.QueueSize,
			CleanupTimeout: cfg.CleanupTimeout,
			Logger:         cfg.Logger,
			Collector:      cfg.Collector,
		}),
		logger:    cfg.Logger,
		collector: cfg.Collector,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/threads", s.handleChat)
	mux.HandleFunc("POST /halt", s.handleHalt)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/threads/{id}/validate", s.handleValidate)
	mux.HandleFunc("GET /api/threads/{id}/state", s.handleState)
	return mux
}

// Tasks returns the registry of running threads.
func (s *Server) Tasks() *lifecycle.Registry {
	return s.tasks
}

// ListenAndServe runs the HTTP server until ctx ends, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	serveErr := make(chan error, 1)
	s.logger.Info("server listening", map[string]any{"addr": s.config.Addr})
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return multierr.Append(fmt.Errorf("serve http: %w", err), iox.CloseAll(s.config.Closers...))
	}
}

// Shutdown halts every running thread, waits for in-flight responses up to
// the shutdown timeout and releases the configured closers.
func (s *Server) Shutdown(ctx context.Context) error {
	halted := s.haltAll()
	s.logger.Info("server shutting down", map[string]any{"halted_threads": halted})

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	var err error
	if shutdownErr := s.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("shutdown http server: %w", shutdownErr))
	}
	return multierr.Append(err, iox.CloseAll(s.config.Closers...))
}

func (s *Server) haltAll() int {
	n := 0
	for _, key := range s.tasks.Keys() {
		if s.tasks.Cancel(key) {
			n++
		}
	}
	return n
}
