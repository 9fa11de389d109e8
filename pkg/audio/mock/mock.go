// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.InputStream], [audio.OutputContext], and [audio.Source] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	in, _ := dev.OpenInput(ctx, audio.CaptureFormat, 4096)
//	dev.LastInput().Push(make([]float32, 4096))
//	out, _ := dev.OpenOutput(ctx, audio.PlaybackFormat)
//	dev.LastOutput().SetTime(2 * time.Second)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/autoos/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device        = (*Device)(nil)
	_ audio.HealthChecker = (*Device)(nil)
	_ audio.InputStream   = (*InputStream)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
	_ audio.Source        = (*Source)(nil)
)

// ErrClosed is returned by mock handles used after Close.
var ErrClosed = errors.New("mock: closed")

// defaultFrameBuffer is the capacity of a mock input stream's frame channel.
const defaultFrameBuffer = 64

// ─── Device ───────────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single [Device.OpenInput] invocation.
type OpenInputCall struct {
	Format          audio.Format
	FramesPerBuffer int
}

// Device is a mock implementation of [audio.Device]. Each successful open
// creates a fresh stream or context, which tests can fetch with
// [Device.LastInput] and [Device.LastOutput].
type Device struct {
	mu sync.Mutex

	// InputError is returned by OpenInput when non-nil.
	InputError error

	// OutputError is returned by OpenOutput when non-nil.
	OutputError error

	// DeviceError is returned by CheckDevices when non-nil.
	DeviceError error

	// InputGate, if non-nil, blocks OpenInput until it is closed or the ctx
	// is done. Use it to simulate a slow permission prompt.
	InputGate chan struct{}

	// OutputGate, if non-nil, blocks OpenOutput likewise.
	OutputGate chan struct{}

	// OpenInputCalls records all OpenInput invocations.
	OpenInputCalls []OpenInputCall

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	inputs  []*InputStream
	outputs []*OutputContext
}

// CheckDevices implements [audio.HealthChecker].
func (d *Device) CheckDevices(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DeviceError
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(ctx context.Context, f audio.Format, framesPerBuffer int) (audio.InputStream, error) {
	d.mu.Lock()
	d.OpenInputCalls = append(d.OpenInputCalls, OpenInputCall{Format: f, FramesPerBuffer: framesPerBuffer})
	gate, err := d.InputGate, d.InputError
	d.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	in := NewInputStream(f)
	d.mu.Lock()
	d.inputs = append(d.inputs, in)
	d.mu.Unlock()
	return in, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(ctx context.Context, f audio.Format) (audio.OutputContext, error) {
	d.mu.Lock()
	d.CallCountOpenOutput++
	gate, err := d.OutputGate, d.OutputError
	d.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	out := NewOutputContext(f)
	d.mu.Lock()
	d.outputs = append(d.outputs, out)
	d.mu.Unlock()
	return out, nil
}

// Inputs returns every input stream opened so far, in order.
func (d *Device) Inputs() []*InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*InputStream(nil), d.inputs...)
}

// Outputs returns every output context opened so far, in order.
func (d *Device) Outputs() []*OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*OutputContext(nil), d.outputs...)
}

// LastInput returns the most recently opened input stream, or nil.
func (d *Device) LastInput() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inputs) == 0 {
		return nil
	}
	return d.inputs[len(d.inputs)-1]
}

// LastOutput returns the most recently opened output context, or nil.
func (d *Device) LastOutput() *OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.outputs) == 0 {
		return nil
	}
	return d.outputs[len(d.outputs)-1]
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return ctx.Err()
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Tests feed it
// with [InputStream.Push].
type InputStream struct {
	mu      sync.Mutex
	format  audio.Format
	frames  chan audio.Frame
	elapsed time.Duration
	closed  bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream returns an open mock input stream at format f.
func NewInputStream(f audio.Format) *InputStream {
	return &InputStream{format: f, frames: make(chan audio.Frame, defaultFrameBuffer)}
}

// Push delivers samples as one frame. It reports false if the stream is
// closed or its buffer is full.
func (s *InputStream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	f := audio.Frame{
		Samples:    samples,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  s.elapsed,
	}
	select {
	case s.frames <- f:
		s.elapsed += f.Duration()
		return true
	default:
		return false
	}
}

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan audio.Frame { return s.frames }

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Close implements [audio.InputStream]. Closes the frame channel on the first
// call.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// StartCall records the arguments of a single [OutputContext.Start] invocation.
type StartCall struct {
	Buffer *audio.Buffer
	At     time.Duration
}

// OutputContext is a mock implementation of [audio.OutputContext] with a
// manually driven clock.
type OutputContext struct {
	mu     sync.Mutex
	format audio.Format
	now    time.Duration
	closed bool

	// StartError is returned by Start when non-nil.
	StartError error

	// StopError is installed as [Source.StopError] on every new source.
	StopError error

	// StartCalls records all Start invocations.
	StartCalls []StartCall

	// Sources holds the sources created by Start, in order.
	Sources []*Source

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutputContext returns an open mock output context at format f whose
// clock reads zero.
func NewOutputContext(f audio.Format) *OutputContext {
	return &OutputContext{format: f}
}

// SetTime moves the output clock to d.
func (o *OutputContext) SetTime(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the output clock forward by d.
func (o *OutputContext) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// CurrentTime implements [audio.OutputContext].
func (o *OutputContext) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Format implements [audio.OutputContext].
func (o *OutputContext) Format() audio.Format { return o.format }

// Start implements [audio.OutputContext]. Records the call and returns a new
// [Source] that stays playing until the test ends or stops it.
func (o *OutputContext) Start(buf *audio.Buffer, at time.Duration) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.StartCalls = append(o.StartCalls, StartCall{Buffer: buf, At: at})
	if o.closed {
		return nil, ErrClosed
	}
	if o.StartError != nil {
		return nil, o.StartError
	}
	s := &Source{At: at, Buffer: buf, StopError: o.StopError, ended: make(chan struct{})}
	o.Sources = append(o.Sources, s)
	return s, nil
}

// Close implements [audio.OutputContext].
func (o *OutputContext) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (o *OutputContext) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// StartedSources returns a snapshot of the sources created so far.
func (o *OutputContext) StartedSources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Source(nil), o.Sources...)
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// At is the start time passed to [OutputContext.Start].
	At time.Duration

	// Buffer is the buffer passed to [OutputContext.Start].
	Buffer *audio.Buffer

	// StopError is returned by Stop when non-nil. The source still ends.
	StopError error

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	done  bool
	ended chan struct{}
}

// Ended implements [audio.Source].
func (s *Source) Ended() <-chan struct{} { return s.ended }

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.finishLocked()
	return s.StopError
}

// EndNow simulates the source playing to completion.
func (s *Source) EndNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}

// Stopped reports whether Stop has been called at least once.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop > 0
}

func (s *Source) finishLocked() {
	if !s.done {
		s.done = true
		close(s.ended)
	}
}
