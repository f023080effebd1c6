// Package registry manages the pool of per-call-leg decoder sessions.
//
// Every (call, channel kind) pair gets at most one live decoder. Sessions are
// created lazily on the first frame, replaced when the declared audio format
// changes, reaped after an idle period, and capped by a configurable limit so
// a misbehaving agent cannot exhaust the server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/earshot-live/earshot/internal/observe"
	"github.com/earshot-live/earshot/pkg/codec"
)

// ErrSessionLimit is returned by GetOrCreate when the configured session cap
// is reached. Callers should refuse the frame rather than queue it.
var ErrSessionLimit = errors.New("registry: session limit reached")

// Config bounds the registry.
type Config struct {
	// MaxSessions caps concurrently live decoder sessions. Zero or
	// negative means unlimited.
	MaxSessions int

	// IdleTimeout is how long a session may go without frames before the
	// janitor reaps it. Defaults to 2 minutes if zero or negative.
	IdleTimeout time.Duration
}

const defaultIdleTimeout = 2 * time.Minute

// Registry owns all live decoder sessions.
//
// All methods are safe for concurrent use.
type Registry struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[Key]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default with a component attr.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates an empty registry. Call [Registry.Run] to start the idle
// janitor.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[Key]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.With("component", "registry")
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// GetOrCreate returns the live session for key, creating one when absent.
// When an existing session was created with different params, it is replaced
// by a fresh decoder for the new format. Returns [ErrSessionLimit] when a new
// session would exceed the configured cap.
func (r *Registry) GetOrCreate(key Key, p Params) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		if s.params == p {
			return s, nil
		}
		r.log.Info("session format changed, replacing decoder",
			"session", key.String(),
			"old_rate", s.params.SampleRate,
			"new_rate", p.SampleRate,
		)
		r.removeLocked(key, "replaced")
	}

	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: %d active, limit %d", ErrSessionLimit, len(r.sessions), r.cfg.MaxSessions)
	}

	dec, err := codec.NewDecoder(p.Codec, p.SampleRate, p.Channels, p.BitsPerSample)
	if err != nil {
		return nil, fmt.Errorf("registry: create session %s: %w", key.String(), err)
	}

	s := &Session{key: key, params: p, dec: dec}
	s.touch(time.Now())
	r.sessions[key] = s

	ctx := context.Background()
	r.metrics.ActiveSessions.Add(ctx, 1)
	r.metrics.SessionsOpened.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", key.Kind.String())))
	r.log.Debug("session opened",
		"session", key.String(),
		"codec", dec.Name(),
		"sample_rate", p.SampleRate,
		"channels", p.Channels,
	)
	return s, nil
}

// Destroy removes every session belonging to call, both channel kinds.
// Returns the number of sessions removed.
func (r *Registry) Destroy(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.sessions {
		if key.Call == call {
			r.removeLocked(key, "call_end")
			n++
		}
	}
	return n
}

// CallSessions returns the live sessions for call, ordered by channel kind
// (speaker first). Empty when the call has no decoder state.
func (r *Registry) CallSessions(call string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for key, s := range r.sessions {
		if key.Call == call {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *Session) int {
		return int(a.key.Kind) - int(b.key.Kind)
	})
	return out
}

// DestroyAll removes every session. Used at shutdown.
func (r *Registry) DestroyAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.sessions)
	for key := range r.sessions {
		r.removeLocked(key, "shutdown")
	}
	return n
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run drives the idle janitor until ctx is cancelled. The sweep interval is
// half the idle timeout, but at least one second.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(time.Now())
		}
	}
}

// reapIdle removes sessions whose last frame is older than the idle timeout.
func (r *Registry) reapIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, s := range r.sessions {
		if now.Sub(s.lastUsed()) >= r.cfg.IdleTimeout {
			r.removeLocked(key, "idle")
			n++
		}
	}
	return n
}

// removeLocked deletes a session and records why. Must be called with r.mu
// held.
func (r *Registry) removeLocked(key Key, reason string) {
	if _, ok := r.sessions[key]; !ok {
		return
	}
	delete(r.sessions, key)

	ctx := context.Background()
	r.metrics.ActiveSessions.Add(ctx, -1)
	r.metrics.RecordSessionClosed(ctx, reason)
	r.log.Debug("session closed", "session", key.String(), "reason", reason)
}
