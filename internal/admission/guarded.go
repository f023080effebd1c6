package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/earshot-live/earshot/internal/resilience"
)

// ErrStoreUnavailable means the backing credential store is down and its
// circuit breaker is rejecting lookups. Distinct from [ErrUnknownCredential]:
// the token was never checked.
var ErrStoreUnavailable = errors.New("admission: credential store unavailable")

var (
	_ Resolver      = (*guardedResolver)(nil)
	_ TeamDirectory = (*guardedDirectory)(nil)
)

// GuardResolver wraps a database-backed [Resolver] with a circuit breaker so
// handshakes fail fast during a store outage instead of piling up on a dead
// connection. A token that resolves to nothing is an answer, not a store
// failure, and never trips the breaker.
func GuardResolver(r Resolver, b *resilience.Breaker) Resolver {
	return &guardedResolver{inner: r, breaker: b}
}

type guardedResolver struct {
	inner   Resolver
	breaker *resilience.Breaker
}

func (g *guardedResolver) Resolve(ctx context.Context, token string) (Principal, error) {
	var (
		p      Principal
		lookup error
	)
	err := g.breaker.Do(func() error {
		p, lookup = g.inner.Resolve(ctx, token)
		if errors.Is(lookup, ErrUnknownCredential) || errors.Is(lookup, context.Canceled) {
			// A caller hanging up is not a store failure either.
			return nil
		}
		return lookup
	})
	if errors.Is(err, resilience.ErrOpen) {
		return Principal{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return p, lookup
}

// GuardDirectory wraps a database-backed [TeamDirectory] with the same
// breaker. Lookup errors, including breaker rejections, degrade to role-only
// authorization in [Gate.CanMonitor].
func GuardDirectory(d TeamDirectory, b *resilience.Breaker) TeamDirectory {
	return &guardedDirectory{inner: d, breaker: b}
}

type guardedDirectory struct {
	inner   TeamDirectory
	breaker *resilience.Breaker
}

func (g *guardedDirectory) TeamFor(ctx context.Context, call string) (string, error) {
	var (
		team   string
		lookup error
	)
	err := g.breaker.Do(func() error {
		team, lookup = g.inner.TeamFor(ctx, call)
		if errors.Is(lookup, context.Canceled) {
			return nil
		}
		return lookup
	})
	if errors.Is(err, resilience.ErrOpen) {
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return team, lookup
}
