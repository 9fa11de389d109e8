// Package playback schedules decoded assistant speech on an output timeline.
//
// Segments are placed back to back: each starts at max(now, cursor), where
// cursor is the end of the previously scheduled segment. Bursts that arrive
// faster than real time therefore queue up without gaps or overlap. All
// scheduled segments are tracked until they end so that a barge-in can stop
// them as a group.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/autoos/internal/observe"
	"github.com/MrWong99/autoos/pkg/audio"
)

// DefaultSettleDelay is how long the speaking flag stays raised after the
// last in-flight segment ends. It absorbs the boundary between adjacent
// segments of one turn.
const DefaultSettleDelay = 200 * time.Millisecond

// ErrClosed is returned by Schedule after [Scheduler.Reset].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithSettleDelay overrides [DefaultSettleDelay]. Negative values are ignored;
// zero clears the speaking flag as soon as the last segment ends.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.settle = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// segment is one buffer placed on the timeline.
type segment struct {
	src   audio.Source
	start time.Duration
	dur   time.Duration
}

// Scheduler owns the playback side of one connect cycle. It is bound to a
// single [audio.OutputContext] and is safe for concurrent use.
type Scheduler struct {
	out     audio.OutputContext
	settle  time.Duration
	metrics *observe.Metrics

	mu       sync.Mutex
	cursor   time.Duration
	inflight map[*segment]struct{}
	speaking bool
	timer    *time.Timer
	timerSeq uint64
	closed   bool
}

// New creates a Scheduler that plays on out.
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:      out,
		settle:   DefaultSettleDelay,
		inflight: make(map[*segment]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Schedule places buf immediately after the previously scheduled segment, or
// now if the timeline has caught up. It returns the assigned start time.
func (s *Scheduler) Schedule(buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	start := max(s.out.CurrentTime(), s.cursor)
	src, err := s.out.Start(buf, start)
	if err != nil {
		return 0, fmt.Errorf("playback: schedule segment: %w", err)
	}

	seg := &segment{src: src, start: start, dur: buf.Duration()}
	s.cursor = start + seg.dur
	s.inflight[seg] = struct{}{}
	s.speaking = true
	s.cancelSettleLocked()
	s.metrics.SegmentsScheduled.Add(context.Background(), 1)

	go s.watch(seg)
	return start, nil
}

// watch waits for seg to end and retires it.
func (s *Scheduler) watch(seg *segment) {
	<-seg.src.Ended()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Already removed by Interrupt or Reset.
	if _, ok := s.inflight[seg]; !ok {
		return
	}
	delete(s.inflight, seg)
	if len(s.inflight) == 0 {
		s.armSettleLocked()
	}
}

// armSettleLocked starts the settle timer. Only the most recent timer may
// clear the flag, and only if nothing was scheduled in the meantime.
func (s *Scheduler) armSettleLocked() {
	s.cancelSettleLocked()
	if s.settle == 0 {
		s.speaking = false
		return
	}
	seq := s.timerSeq
	s.timer = time.AfterFunc(s.settle, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timerSeq == seq && len(s.inflight) == 0 {
			s.speaking = false
			s.timer = nil
		}
	})
}

func (s *Scheduler) cancelSettleLocked() {
	s.timerSeq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Interrupt handles a barge-in. Every in-flight segment is stopped, the
// cursor returns to zero so the next segment plays at once, and the speaking
// flag drops immediately. Stop failures are logged and counted, never
// returned.
func (s *Scheduler) Interrupt() {
	n := s.stopAll("interrupt")
	s.metrics.Interruptions.Add(context.Background(), 1)
	slog.Debug("playback: interrupted", "stopped", n)
}

// TurnComplete marks the end of an assistant turn. The speaking flag drops
// immediately; segments still playing are left alone.
func (s *Scheduler) TurnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelSettleLocked()
	s.speaking = false
}

// Reset stops everything like [Scheduler.Interrupt] and refuses further
// segments. Used when the connect cycle ends. Idempotent.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopAll("reset")
}

// stopAll clears the in-flight set and stops its segments outside the lock.
// Returns the number of segments stopped.
func (s *Scheduler) stopAll(reason string) int {
	s.mu.Lock()
	segs := make([]*segment, 0, len(s.inflight))
	for seg := range s.inflight {
		segs = append(segs, seg)
	}
	clear(s.inflight)
	s.cursor = 0
	s.speaking = false
	s.cancelSettleLocked()
	s.mu.Unlock()

	for _, seg := range segs {
		if err := seg.src.Stop(); err != nil {
			s.metrics.StopFailures.Add(context.Background(), 1)
			slog.Warn("playback: segment stop failed",
				"reason", reason,
				"start", seg.start,
				"err", err,
			)
		}
	}
	return len(segs)
}

// Speaking reports whether assistant audio is playing or queued.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Cursor returns the end of the last scheduled segment on the output clock,
// or zero after an interruption.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// InFlight returns the number of segments scheduled but not yet ended.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
