package resilience

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/autoos/pkg/audio"
	"github.com/MrWong99/autoos/pkg/provider/s2s"
)

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// S2SFallback implements [s2s.Provider] by opening the live session on the
// first healthy backend. Only the handshake fails over; once a session is
// open its failures surface as session events.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend.
func NewS2SFallback(name string, primary s2s.Provider, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(name, primary, cfg)}
}

// AddFallback registers p after the existing backends. Received audio is
// decoded with the primary's output format, so p must produce the same one.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) error {
	_, primary := f.group.Primary()
	want := outputFormat(primary)
	if got := outputFormat(p); got != want {
		return fmt.Errorf("resilience: fallback %q outputs %s, primary outputs %s", name, got, want)
	}
	f.group.Add(name, p)
	return nil
}

// Connect opens a session on the first backend that accepts the handshake.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	sess, name, err := Try(ctx, f.group, func(ctx context.Context, p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if primary, _ := f.group.Primary(); name != primary {
		slog.Info("live session opened on fallback provider", "provider", name, "primary", primary)
	}
	return sess, nil
}

// Capabilities returns the primary's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	_, primary := f.group.Primary()
	return primary.Capabilities()
}

// Breaker returns the breaker guarding the named backend, or nil.
func (f *S2SFallback) Breaker(name string) *Breaker { return f.group.Breaker(name) }

func outputFormat(p s2s.Provider) audio.Format {
	f := p.Capabilities().OutputFormat
	if f.SampleRate == 0 {
		return audio.PlaybackFormat
	}
	return f
}
