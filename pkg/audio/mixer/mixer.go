package mixer

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/autoos/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputContext = (*Timeline)(nil)
	_ audio.Source        = (*source)(nil)
)

var (
	// ErrClosed is returned by [Timeline.Start] after [Timeline.Close].
	ErrClosed = errors.New("mixer: timeline closed")

	// ErrSourceEnded is returned by Stop on a source that already finished.
	ErrSourceEnded = errors.New("mixer: source already ended")
)

// defaultQueueCap is the initial capacity hint for the pending heap.
const defaultQueueCap = 16

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithGain sets the master gain applied to the mixed output. The default is
// unity (1.0). Negative values are ignored.
func WithGain(g float32) Option {
	return func(t *Timeline) {
		if g >= 0 {
			t.gain = g
		}
	}
}

// Timeline is a sample-accurate playback timeline. Buffers are started at an
// absolute output time; the timeline converts that time to a frame index and
// mixes every source whose span overlaps the block being rendered, so two
// buffers scheduled back to back play without a gap or overlap of even one
// sample.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format audio.Format
	gain   float32

	mu      sync.Mutex
	clock   int64 // frames rendered so far
	seq     uint64
	pending sourceHeap
	active  []*source
	closed  bool
}

// New creates a [Timeline] for buffers in format f.
func New(f audio.Format, opts ...Option) *Timeline {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	t := &Timeline{
		format:  f,
		gain:    1,
		pending: make(sourceHeap, 0, defaultQueueCap),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	return t
}

// Format implements [audio.OutputContext].
func (t *Timeline) Format() audio.Format { return t.format }

// CurrentTime implements [audio.OutputContext]. It is the duration of audio
// rendered so far.
func (t *Timeline) CurrentTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.clock)
}

// Start implements [audio.OutputContext]. The start time is rounded to the
// nearest frame; a time that is already in the past starts at the next
// rendered frame.
func (t *Timeline) Start(buf *audio.Buffer, at time.Duration) (audio.Source, error) {
	if buf == nil {
		return nil, fmt.Errorf("mixer: start: nil buffer")
	}
	if buf.SampleRate != t.format.SampleRate || buf.Channels != t.format.Channels {
		return nil, fmt.Errorf("mixer: start: buffer format %dHz/%dch does not match timeline %s",
			buf.SampleRate, buf.Channels, t.format)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	start := t.durationToFrames(at)
	if start < t.clock {
		start = t.clock
	}
	t.seq++
	s := &source{
		tl:     t,
		buf:    buf,
		start:  start,
		frames: int64(buf.Frames()),
		seq:    t.seq,
		ended:  make(chan struct{}),
	}
	if s.frames == 0 {
		s.finishLocked()
		return s, nil
	}
	heap.Push(&t.pending, s)
	return s, nil
}

// Render mixes the next len(out)/channels frames into out, advances the
// clock, and finishes every source that has played to its end. out is
// overwritten; samples are clipped to [-1, 1]. Render returns the number of
// frames rendered. After Close, Render writes silence and does not advance
// the clock.
func (t *Timeline) Render(out []float32) int {
	for i := range out {
		out[i] = 0
	}
	ch := t.format.Channels
	frames := int64(len(out) / ch)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || frames == 0 {
		return 0
	}

	blockStart := t.clock
	blockEnd := blockStart + frames

	// Promote pending sources that begin inside this block.
	for t.pending.Len() > 0 && t.pending[0].start < blockEnd {
		s := heap.Pop(&t.pending).(*source)
		if s.done {
			continue
		}
		t.active = append(t.active, s)
	}

	kept := t.active[:0]
	for _, s := range t.active {
		if s.done {
			continue
		}
		from := max(s.start, blockStart)
		to := min(s.start+s.frames, blockEnd)
		for f := from; f < to; f++ {
			src := (f - s.start) * int64(ch)
			dst := (f - blockStart) * int64(ch)
			for c := range int64(ch) {
				out[dst+c] += s.buf.Data[src+c] * t.gain
			}
		}
		if s.start+s.frames <= blockEnd {
			s.finishLocked()
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(t.active); i++ {
		t.active[i] = nil
	}
	t.active = kept
	t.clock = blockEnd

	for i, v := range out {
		out[i] = float32(math.Max(-1, math.Min(1, float64(v))))
	}
	return int(frames)
}

// Pending returns the number of sources that are scheduled or playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.pending {
		if !s.done {
			n++
		}
	}
	for _, s := range t.active {
		if !s.done {
			n++
		}
	}
	return n
}

// Close stops every scheduled source and rejects further Start calls. Close
// is idempotent; subsequent calls are no-ops and return nil.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for t.pending.Len() > 0 {
		heap.Pop(&t.pending).(*source).finishLocked()
	}
	for _, s := range t.active {
		s.finishLocked()
	}
	t.active = nil
	return nil
}

func (t *Timeline) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(t.format.SampleRate))
}

func (t *Timeline) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Round(d.Seconds() * float64(t.format.SampleRate)))
}

// source is a buffer scheduled on a Timeline. Its fields are guarded by the
// owning timeline's mutex.
type source struct {
	tl     *Timeline
	buf    *audio.Buffer
	start  int64 // first frame on the timeline clock
	frames int64
	seq    uint64

	done  bool
	ended chan struct{}
}

// Ended implements [audio.Source].
func (s *source) Ended() <-chan struct{} { return s.ended }

// Stop implements [audio.Source]. Stopped sources are skipped lazily by the
// next Render.
func (s *source) Stop() error {
	s.tl.mu.Lock()
	defer s.tl.mu.Unlock()

	if s.done {
		return ErrSourceEnded
	}
	if s.tl.closed {
		return ErrClosed
	}
	s.finishLocked()
	return nil
}

func (s *source) finishLocked() {
	if s.done {
		return
	}
	s.done = true
	close(s.ended)
}
