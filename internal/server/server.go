// Package server hosts the Earshot HTTP surface: WebSocket ingest for
// capture agents, WebSocket monitoring for supervisors, health probes, and
// the Prometheus scrape endpoint.
//
// The server owns no business state of its own. Admission decisions live in
// [admission.Gate], decoder lifecycles in [registry.Registry], and fan-out in
// [broadcast.Router]; all three are injected so tests can swap them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/earshot-live/earshot/internal/admission"
	"github.com/earshot-live/earshot/internal/broadcast"
	"github.com/earshot-live/earshot/internal/config"
	"github.com/earshot-live/earshot/internal/health"
	"github.com/earshot-live/earshot/internal/observe"
	"github.com/earshot-live/earshot/internal/registry"
)

// Server ties the ingest and monitor WebSocket handlers to the shared
// subsystems and runs the HTTP listener.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	gate   *admission.Gate
	reg    *registry.Registry
	router *broadcast.Router

	handler http.Handler

	// callConns counts open ingest connections per call so decoder sessions
	// are destroyed only when the last connection for the call closes.
	callMu    sync.Mutex
	callConns map[string]int

	// connSeq disambiguates viewer IDs when one identity connects twice.
	connSeq atomic.Uint64

	readyChecks []health.Checker
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default with a component tag.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithReadyChecks adds readiness checkers served on /readyz, typically a
// credential-store ping.
func WithReadyChecks(checks ...health.Checker) Option {
	return func(s *Server) { s.readyChecks = append(s.readyChecks, checks...) }
}

// New wires the HTTP routes. The returned server is ready to serve via
// [Server.Run] or, in tests, through [Server.Handler].
func New(cfg *config.Config, gate *admission.Gate, reg *registry.Registry, router *broadcast.Router, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		log:       slog.With("component", "server"),
		metrics:   observe.DefaultMetrics(),
		gate:      gate,
		reg:       reg,
		router:    router,
		callConns: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	health.New(s.readyChecks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/ingest", s.handleIngest)
	mux.HandleFunc("GET /v1/monitor", s.handleMonitor)
	s.handler = observe.Middleware(s.metrics)(mux)

	return s
}

// Handler returns the fully wired HTTP handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down within the configured
// grace period. The registry's idle janitor runs for the same lifetime.
//
// Cancelled request contexts unblock the WebSocket read loops, so hijacked
// connections drain on their own once ctx is done; http.Server.Shutdown only
// has to wait for plain HTTP requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.reg.Run(ctx)
		return nil
	})

	g.Go(func() error {
		var err error
		if tlsCfg := s.cfg.Server.TLS; tlsCfg != nil {
			s.log.Info("listening", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			s.log.Info("listening", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Server.ShutdownGrace))
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if n := s.reg.DestroyAll(); n > 0 {
			s.log.Info("released decoder sessions", "count", n)
		}
		return err
	})

	return g.Wait()
}

// retainCall records one more open ingest connection for call.
func (s *Server) retainCall(call string) {
	s.callMu.Lock()
	s.callConns[call]++
	s.callMu.Unlock()
}

// releaseCall drops one ingest connection for call and destroys the call's
// decoder sessions when it was the last one.
func (s *Server) releaseCall(call string) {
	s.callMu.Lock()
	s.callConns[call]--
	last := s.callConns[call] <= 0
	if last {
		delete(s.callConns, call)
	}
	s.callMu.Unlock()

	if last {
		if n := s.reg.Destroy(call); n > 0 {
			s.log.Debug("call ended", "call", call, "sessions", n)
		}
	}
}

// writeRefusal maps admission errors onto HTTP status codes for the
// pre-upgrade path. Anything not recognisably an admission refusal is a 500.
func writeRefusal(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrNoCredential),
		errors.Is(err, admission.ErrUnknownCredential):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, admission.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, admission.ErrStoreUnavailable):
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
