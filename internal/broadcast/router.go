// Package broadcast fans decoded audio units out to monitoring subscribers.
//
// The Router keeps two subscription tables: per-call scopes and the all-calls
// scope [ScopeAll] (which also serves the global monitoring feed). Publishing
// iterates under a read lock and only enqueues; a slow subscriber can drop
// its own units but never delays delivery to others.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/earshot-live/earshot/internal/observe"
)

// ScopeAll subscribes to the audio of every call. It doubles as the global
// monitoring channel: the distilled contract emits every unit both on its
// per-call scope and on this one.
const ScopeAll = "*"

// Subscriber receives published units. Deliver must not block: implementations
// enqueue to a bounded buffer and report false when the unit was dropped.
// Implementations are looked up by ID for idempotent subscribe/unsubscribe.
type Subscriber interface {
	ID() string
	Deliver(u *Unit) bool
}

// Router is the publish/subscribe hub between the ingest path and viewer
// connections. The zero value is not usable; call [NewRouter].
type Router struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.RWMutex
	byCall map[string]map[string]Subscriber
	all    map[string]Subscriber
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Defaults to slog.Default with a component attr.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates a Router with no subscriptions.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		byCall: make(map[string]map[string]Subscriber),
		all:    make(map[string]Subscriber),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.With("component", "broadcast")
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Subscribe registers sub for the given scope: a call identifier or
// [ScopeAll]. Subscribing an already-subscribed (sub, scope) pair is a no-op.
func (r *Router) Subscribe(sub Subscriber, scope string) {
	if scope == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if scope == ScopeAll {
		if _, ok := r.all[sub.ID()]; ok {
			return
		}
		r.all[sub.ID()] = sub
	} else {
		set := r.byCall[scope]
		if set == nil {
			set = make(map[string]Subscriber)
			r.byCall[scope] = set
		}
		if _, ok := set[sub.ID()]; ok {
			return
		}
		set[sub.ID()] = sub
	}
	r.metrics.Subscriptions.Add(context.Background(), 1)
	r.log.Debug("subscriber added", "subscriber", sub.ID(), "scope", scope)
}

// Unsubscribe removes the (subscriber, scope) pair. Unknown pairs are a no-op.
func (r *Router) Unsubscribe(subID, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(subID, scope)
}

func (r *Router) unsubscribeLocked(subID, scope string) {
	removed := false
	if scope == ScopeAll {
		if _, ok := r.all[subID]; ok {
			delete(r.all, subID)
			removed = true
		}
	} else if set, ok := r.byCall[scope]; ok {
		if _, ok := set[subID]; ok {
			delete(set, subID)
			removed = true
		}
		if len(set) == 0 {
			delete(r.byCall, scope)
		}
	}
	if removed {
		r.metrics.Subscriptions.Add(context.Background(), -1)
		r.log.Debug("subscriber removed", "subscriber", subID, "scope", scope)
	}
}

// Drop removes every subscription held by subID. It is the disconnect path:
// a vanished viewer must not require explicit unsubscribes.
func (r *Router) Drop(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsubscribeLocked(subID, ScopeAll)
	for scope := range r.byCall {
		r.unsubscribeLocked(subID, scope)
	}
}

// Publish delivers u to every subscriber of u.Call and of [ScopeAll]. Each
// subscriber receives the unit at most once per publish. Returns the number
// of deliveries and the number of drops due to subscriber backpressure.
func (r *Router) Publish(ctx context.Context, u *Unit) (delivered, dropped int) {
	r.mu.RLock()
	callSubs := r.byCall[u.Call]
	for _, sub := range callSubs {
		if sub.Deliver(u) {
			delivered++
		} else {
			dropped++
		}
	}
	for id, sub := range r.all {
		if _, dup := callSubs[id]; dup {
			continue
		}
		if sub.Deliver(u) {
			delivered++
		} else {
			dropped++
		}
	}
	r.mu.RUnlock()

	kind := attribute.String("kind", u.Kind.String())
	r.metrics.UnitsPublished.Add(ctx, 1, metric.WithAttributes(kind))
	if delivered > 0 {
		r.metrics.UnitsDelivered.Add(ctx, int64(delivered), metric.WithAttributes(kind))
	}
	if dropped > 0 {
		r.metrics.DeliveriesDropped.Add(ctx, int64(dropped), metric.WithAttributes(kind))
		r.log.Debug("deliveries dropped", "call", u.Call, "kind", u.Kind.String(), "dropped", dropped)
	}
	return delivered, dropped
}

// SubscriberCount returns the number of distinct subscribed connections.
func (r *Router) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.all))
	for id := range r.all {
		seen[id] = struct{}{}
	}
	for _, set := range r.byCall {
		for id := range set {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// ScopeCount returns the number of subscribers of one scope.
func (r *Router) ScopeCount(scope string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if scope == ScopeAll {
		return len(r.all)
	}
	return len(r.byCall[scope])
}
