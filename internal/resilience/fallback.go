package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for each group member. The
// member name overrides BreakerConfig.Name.
type FallbackConfig struct {
	Breaker BreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup is an ordered list of interchangeable backends, primary
// first. Members are added during setup; the group is read-only afterwards.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewFallbackGroup creates a group whose first member is primary.
func NewFallbackGroup[T any](name string, primary T, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.Add(name, primary)
	return g
}

// Add appends a fallback. Fallbacks are tried in the order they were added.
func (g *FallbackGroup[T]) Add(name string, v T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewBreaker(bc)})
}

// Primary returns the first member.
func (g *FallbackGroup[T]) Primary() (string, T) {
	return g.members[0].name, g.members[0].value
}

// Len returns the number of members.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// Breaker returns the breaker guarding the named member, or nil.
func (g *FallbackGroup[T]) Breaker(name string) *Breaker {
	for i := range g.members {
		if g.members[i].name == name {
			return g.members[i].breaker
		}
	}
	return nil
}

// Try calls fn on each member in order until one succeeds and returns its
// result together with the member name. Members with an open breaker are
// skipped. Try stops as soon as ctx is done.
func Try[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.members {
		m := &g.members[i]
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}

		var res R
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			return res, m.name, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", m.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return zero, "", err
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
