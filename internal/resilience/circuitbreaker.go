// Package resilience guards live-session handshakes with circuit breakers
// and provider failover.
//
// [Breaker] is a three-state breaker (closed, open, half-open) around one
// backend. [FallbackGroup] orders several backends of the same kind, each with
// its own breaker, and [S2SFallback] applies that to speech-to-speech
// providers so that a failing primary is bypassed in favour of a healthy
// fallback.
//
// All types are safe for concurrent use.
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

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls. A failed probe
	// re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the lowercase name of the state.
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

// Breaker defaults applied by [NewBreaker].
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
	DefaultProbes      = 1
)

// BreakerConfig tunes a [Breaker]. Zero fields take the package defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker.
	MaxFailures int

	// Cooldown is how long an open breaker rejects calls before admitting
	// probes.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	// It also caps concurrent probes.
	Probes int
}

// Breaker implements the circuit breaker pattern for one backend.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  int
	probeOK  int
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open. A failure that coincides with ctx
// being done is not counted: the caller abandoned the call, so it says nothing
// about the backend.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.settle(probe, err, ctx.Err() != nil)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing, b.probeOK = 0, 0
	}
	if b.state == StateHalfOpen {
		if b.probing >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.probing++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(probe bool, err error, abandoned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && abandoned {
		if probe {
			b.probing--
		}
		return
	}

	if err != nil {
		if probe || b.state == StateHalfOpen {
			b.trip()
			return
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
		return
	}

	if !probe {
		b.failures = 0
		return
	}
	b.probeOK++
	if b.probeOK >= b.cfg.Probes {
		b.failures = 0
		b.transition(StateClosed)
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.failures = 0
	b.transition(StateOpen)
}

// transition records a state change. b.mu must be held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", b.cfg.Name, "from", b.state.String(), "to", to.String())
	b.state = to
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.probing, b.probeOK = 0, 0, 0
	b.transition(StateClosed)
}
