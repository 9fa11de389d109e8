package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(cfg)
	b.now = clock.Now
	return b, clock
}

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.cfg.MaxFailures != DefaultMaxFailures {
		t.Errorf("MaxFailures = %d, want %d", b.cfg.MaxFailures, DefaultMaxFailures)
	}
	if b.cfg.Cooldown != DefaultCooldown {
		t.Errorf("Cooldown = %v, want %v", b.cfg.Cooldown, DefaultCooldown)
	}
	if b.cfg.Probes != DefaultProbes {
		t.Errorf("Probes = %d, want %d", b.cfg.Probes, DefaultProbes)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})
	ctx := context.Background()

	for i := range 3 {
		if err := b.Do(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("call %d: err = %v, want errTest", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, succeed)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Minute, Probes: 2})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(59 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state before cooldown = %v, want open", b.State())
	}
	clock.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", b.State())
	}

	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state after one probe = %v, want half-open", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after probes = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Minute})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(time.Minute)
	if err := b.Do(ctx, fail); !errors.Is(err, errTest) {
		t.Fatalf("probe err = %v, want errTest", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen (cooldown restarted)", err)
	}
}

func TestBreaker_HalfOpenCapsConcurrentProbes(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Minute, Probes: 1})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_AbandonedCallsAreNotCounted(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 5 {
		err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state after Reset = %v, want closed", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("call after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
