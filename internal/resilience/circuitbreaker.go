// Package resilience keeps the companion's text features answering when a
// model backend misbehaves.
//
// A [Breaker] stops sending requests to a backend after repeated failures and
// lets a few probes through once its cooldown has passed. [LLMFailover] puts
// one breaker in front of every configured text model and walks them in order.
// The realtime voice transport is not wrapped: a dropped voice connection is
// reported to the user instead of being retried elsewhere.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the mode a [Breaker] is in.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
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

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Name labels log lines and transition callbacks.
	Name string

	// MaxFailures is how many consecutive failures open the breaker. Default 3.
	MaxFailures int

	// Cooldown is how long an open breaker waits before probing. Default 30s.
	Cooldown time.Duration

	// Probes is how many successful half-open calls close the breaker again.
	// Default 1.
	Probes int

	// OnTransition, if set, is called after every state change with the lock
	// released.
	OnTransition func(name string, from, to State)

	// Now replaces time.Now. Tests use it to move past the cooldown.
	Now func() time.Time

	Logger *slog.Logger
}

// Breaker is a consecutive-failure circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes currently running
	successes int // half-open probes that succeeded
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn when the breaker admits the call and records its outcome.
// It returns [ErrCircuitOpen] without calling fn otherwise.
//
// Errors caused by ctx ending (the caller gave up) are passed through without
// counting as a backend failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release(probe)
		return err
	}
	b.record(probe, err == nil)
	return err
}

// State reports the current state. An open breaker whose cooldown has passed
// reports half-open; the switch itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state, b.failures, b.inFlight, b.successes = StateClosed, 0, 0, 0
	b.mu.Unlock()
	b.transitioned(from, StateClosed)
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state, b.inFlight, b.successes = StateHalfOpen, 0, 0
	case StateHalfOpen:
		if b.inFlight+b.successes >= b.cfg.Probes {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}
	probe = b.state == StateHalfOpen
	if probe {
		b.inFlight++
	}
	to := b.state
	b.mu.Unlock()

	b.transitioned(from, to)
	return probe, nil
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.inFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	from := b.state
	switch {
	case probe && b.state != StateHalfOpen:
		// The breaker was reset or re-opened by a concurrent probe.
	case probe && ok:
		b.inFlight--
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.state, b.failures = StateClosed, 0
		}
	case probe:
		b.state, b.openedAt = StateOpen, b.cfg.Now()
	case ok:
		b.failures = 0
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.state, b.openedAt = StateOpen, b.cfg.Now()
		}
	}
	to, failures := b.state, b.failures
	b.mu.Unlock()

	if from != to && to == StateOpen {
		b.cfg.Logger.Warn("circuit opened", "backend", b.cfg.Name, "consecutive_failures", failures)
	}
	b.transitioned(from, to)
}

func (b *Breaker) cooledDown() bool {
	return b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) transitioned(from, to State) {
	if from == to {
		return
	}
	if to != StateOpen {
		b.cfg.Logger.Info("circuit state changed", "backend", b.cfg.Name, "from", from, "to", to)
	}
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.cfg.Name, from, to)
	}
}
