// Package portaudio implements [audio.Device] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// Capture uses a blocking-read stream drained by a goroutine; playback uses a
// callback stream that pulls mixed samples from a [mixer.Timeline]. Every
// opened handle holds its own PortAudio initialisation reference, which is
// released on Close.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/autoos/pkg/audio"
	"github.com/MrWong99/autoos/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.Device        = (*Device)(nil)
	_ audio.HealthChecker = (*Device)(nil)
	_ audio.InputStream   = (*inputStream)(nil)
	_ audio.OutputContext = (*outputContext)(nil)
)

// defaultOutputBuffer is the callback block size for playback, in frames.
const defaultOutputBuffer = 512

// frameQueue is the capacity of the captured-frame channel.
const frameQueue = 32

// readLoopExitTimeout bounds how long Close waits for a stopped input
// stream's pending Read to return.
const readLoopExitTimeout = 2 * time.Second

// Option configures a [Device].
type Option func(*Device)

// WithOutputBuffer sets the playback callback block size in frames.
func WithOutputBuffer(frames int) Option {
	return func(d *Device) {
		if frames > 0 {
			d.outputBuffer = frames
		}
	}
}

// WithGain sets the playback master gain.
func WithGain(g float32) Option {
	return func(d *Device) { d.gain = g }
}

// Device opens the system default input and output devices.
type Device struct {
	outputBuffer int
	gain         float32
}

// New returns a [Device] configured by opts.
func New(opts ...Option) *Device {
	d := &Device{outputBuffer: defaultOutputBuffer, gain: 1}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(ctx context.Context, f audio.Format, framesPerBuffer int) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	buf := make([]float32, framesPerBuffer*f.Channels)
	stream, err := pa.OpenDefaultStream(f.Channels, 0, float64(f.SampleRate), framesPerBuffer, buf)
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		pa.Terminate()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}

	in := newInputStream(stream, f, buf, pa.Terminate)

	// A cancelled acquisition must not leak the microphone.
	if err := ctx.Err(); err != nil {
		in.Close()
		return nil, err
	}
	return in, nil
}

// CheckDevices implements [audio.HealthChecker]. It initialises PortAudio
// and looks up the default input and output devices.
func (d *Device) CheckDevices(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer pa.Terminate()
	if _, err := pa.DefaultInputDevice(); err != nil {
		return fmt.Errorf("portaudio: no input device: %w", err)
	}
	if _, err := pa.DefaultOutputDevice(); err != nil {
		return fmt.Errorf("portaudio: no output device: %w", err)
	}
	return nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(ctx context.Context, f audio.Format) (audio.OutputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	tl := mixer.New(f, mixer.WithGain(d.gain))
	stream, err := pa.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), d.outputBuffer,
		func(out []float32) { tl.Render(out) })
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		pa.Terminate()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	return &outputContext{Timeline: tl, stream: stream}, nil
}

// ─── input ────────────────────────────────────────────────────────────────────

// blockingStream is the part of a PortAudio blocking-read stream the input
// side uses.
type blockingStream interface {
	Read() error
	Stop() error
	Close() error
}

type inputStream struct {
	stream    blockingStream
	terminate func() error
	format    audio.Format
	buf       []float32
	frames    chan audio.Frame

	closeOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
	closeErr  error
}

// newInputStream starts draining stream into a frame channel. Each Read
// fills buf in place. terminate releases the PortAudio reference taken for
// the stream.
func newInputStream(stream blockingStream, f audio.Format, buf []float32, terminate func() error) *inputStream {
	in := &inputStream{
		stream:    stream,
		terminate: terminate,
		format:    f,
		buf:       buf,
		frames:    make(chan audio.Frame, frameQueue),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go in.readLoop()
	return in
}

func (s *inputStream) readLoop() {
	defer close(s.exited)
	defer close(s.frames)
	var elapsed time.Duration
	for {
		if err := s.stream.Read(); err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("portaudio: input read failed", "err", err)
			}
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		f := audio.Frame{
			Samples:    append([]float32(nil), s.buf...),
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  elapsed,
		}
		elapsed += f.Duration()
		select {
		case s.frames <- f:
		default:
			slog.Debug("portaudio: dropping captured frame, consumer behind")
		}
	}
}

func (s *inputStream) Frames() <-chan audio.Frame { return s.frames }

func (s *inputStream) Format() audio.Format { return s.format }

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		// Stop unblocks a pending Read. The stream handle stays valid until
		// readLoop has returned; closing it under a blocked Read frees memory
		// the read is still using.
		close(s.done)
		if err := s.stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: stop input: %w", err)
		}
		select {
		case <-s.exited:
		case <-time.After(readLoopExitTimeout):
			slog.Warn("portaudio: input read did not return, leaking stream")
			if s.closeErr == nil {
				s.closeErr = errors.New("portaudio: input read did not return after stop")
			}
			return
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("portaudio: close input: %w", err)
		}
		_ = s.terminate()
	})
	return s.closeErr
}

// ─── output ───────────────────────────────────────────────────────────────────

// outputContext drives a Timeline from the PortAudio output callback. Start,
// CurrentTime, and Format come from the embedded Timeline.
type outputContext struct {
	*mixer.Timeline
	stream *pa.Stream

	closeOnce sync.Once
	closeErr  error
}

func (o *outputContext) Close() error {
	o.closeOnce.Do(func() {
		if err := o.stream.Stop(); err != nil {
			o.closeErr = fmt.Errorf("portaudio: stop output: %w", err)
		}
		o.Timeline.Close()
		if err := o.stream.Close(); err != nil && o.closeErr == nil {
			o.closeErr = fmt.Errorf("portaudio: close output: %w", err)
		}
		pa.Terminate()
	})
	return o.closeErr
}
