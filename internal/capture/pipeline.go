// Package capture turns microphone chunks into fixed-size frames, feeds the
// volume meter, and forwards encoded frames to the live session while one is
// attached.
//
// The pipeline never queues: a frame produced while no session is attached is
// dropped. Attachment is the only thing the lifecycle controller changes; the
// pipeline itself only reads it.
package capture

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/autoos/internal/observe"
	"github.com/MrWong99/autoos/internal/visualizer"
	"github.com/MrWong99/autoos/pkg/audio"
)

// Drop reasons recorded on the frames_dropped counter.
const (
	DropNoSession = "no_session"
	DropSendError = "send_error"
)

// Sender receives encoded frames. A live s2s session handle satisfies it.
type Sender interface {
	SendAudio(audio.Blob) error
}

// senderRef boxes a Sender so it can live in an atomic.Pointer.
type senderRef struct{ s Sender }

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize sets the outbound frame length in samples. Non-positive
// values are ignored.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pipeline is the capture half of the assistant. One Pipeline may serve many
// connect cycles; each cycle calls [Pipeline.Run] with that cycle's input
// stream.
type Pipeline struct {
	meter     *visualizer.Meter
	metrics   *observe.Metrics
	frameSize int

	sink    atomic.Pointer[senderRef]
	running atomic.Bool
}

// NewPipeline creates a Pipeline that folds every frame's energy into meter.
func NewPipeline(meter *visualizer.Meter, opts ...Option) *Pipeline {
	p := &Pipeline{
		meter:     meter,
		frameSize: audio.DefaultFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Attach starts forwarding frames to s. It replaces any previous sender.
func (p *Pipeline) Attach(s Sender) {
	p.sink.Store(&senderRef{s: s})
}

// Detach stops forwarding. Frames produced afterwards are dropped.
func (p *Pipeline) Detach() {
	p.sink.Store(nil)
}

// Attached reports whether a sender is currently attached.
func (p *Pipeline) Attached() bool {
	return p.sink.Load() != nil
}

// Running reports whether Run is consuming input, past its initial discard.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Run consumes device chunks from frames until the channel is closed or ctx
// is done. Chunks already buffered in the channel when Run starts are
// discarded, so nothing captured before the session opened reaches the wire.
//
// Returns nil when the input closes and ctx.Err() on cancellation.
func (p *Pipeline) Run(ctx context.Context, frames <-chan audio.Frame) error {
	discarded := drain(frames)
	if discarded > 0 {
		slog.Debug("capture: discarded stale chunks", "count", discarded)
	}

	p.running.Store(true)
	defer p.running.Store(false)

	framer := NewFramer(p.frameSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-frames:
			if !ok {
				return nil
			}
			// A closed input still yields its buffered chunks, and select
			// picks randomly between ready cases.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, f := range framer.Add(chunk.Samples) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.process(ctx, f, chunk.SampleRate)
			}
		}
	}
}

// process handles one complete frame: meter update, encode, and send if a
// session is attached. Sends are fire-and-forget.
func (p *Pipeline) process(ctx context.Context, samples []float32, rate int) {
	p.metrics.FramesCaptured.Add(ctx, 1)
	p.meter.Update(audio.RMS(samples))

	ref := p.sink.Load()
	if ref == nil {
		p.metrics.RecordFrameDropped(ctx, DropNoSession)
		return
	}
	if err := ref.s.SendAudio(audio.NewBlob(samples, rate)); err != nil {
		p.metrics.RecordFrameDropped(ctx, DropSendError)
		slog.Debug("capture: send failed", "err", err)
		return
	}
	p.metrics.FramesSent.Add(ctx, 1)
}

func drain(frames <-chan audio.Frame) int {
	n := 0
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
