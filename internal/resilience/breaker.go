// Package resilience provides a circuit breaker for calls into backing
// services that can fail as a unit, such as the credential database.
//
// [Breaker] is a classic three-state breaker (closed, open, half-open):
// consecutive failures open it, an open breaker rejects calls without
// touching the backing service, and after a cooldown a limited number of
// probe calls decide whether it closes again.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not yet elapsed. The protected function is not called.
var ErrOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen forwards a limited number of probe calls. Probes that
	// succeed close the breaker; a single failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker]. Zero fields take the stated defaults.
type Config struct {
	// Name labels the breaker in log output.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing the
	// backing service again. Default 30s.
	Cooldown time.Duration

	// Probes is how many consecutive half-open successes close the breaker.
	// Default 3.
	Probes int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger. Defaults to slog.Default with a component attr.
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int
	log       *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	state      State
	fails      int
	openedAt   time.Time
	probeCalls int
	probeFails int
}

// New creates a Breaker from cfg.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	b := &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		now:       time.Now,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.With("component", "resilience", "breaker", cfg.Name)
	}
	return b
}

// Do runs fn unless the breaker is open. The error from fn is returned
// unchanged; only a rejected call yields [ErrOpen].
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		b.log.Info("breaker probing backing service")

	case StateHalfOpen:
		if b.probeCalls >= b.probes {
			// Probe budget already committed to in-flight calls.
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates failure accounting. Caller holds b.mu.
func (b *Breaker) onFailure(probing bool) {
	b.openedAt = b.now()

	if probing {
		// One failed probe is enough evidence the service is still down.
		b.probeFails++
		b.state = StateOpen
		b.fails = b.threshold
		b.log.Warn("breaker re-opened, probe failed")
		return
	}

	b.fails++
	if b.state == StateClosed && b.fails >= b.threshold {
		b.state = StateOpen
		b.log.Warn("breaker opened", "consecutive_failures", b.fails)
	}
}

// onSuccess updates success accounting. Caller holds b.mu.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = StateClosed
			b.fails = 0
			b.probeCalls = 0
			b.probeFails = 0
			b.log.Info("breaker closed, backing service recovered")
		}
		return
	}
	b.fails = 0
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports half-open; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.fails = 0
	b.probeCalls = 0
	b.probeFails = 0
	b.log.Info("breaker reset")
}
