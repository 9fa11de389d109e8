// Package audio defines the PCM codec, the format conversion helpers, and the
// device boundary used by the AutoOS voice assistant pipeline.
//
// The device abstractions mirror the two audio contexts of the assistant:
//
//   - [InputStream]: the microphone capture context. It yields [Frame]
//     values at the capture format until it is closed.
//   - [OutputContext]: the playback context. It exposes a monotonic output
//     clock and starts decoded [Buffer] values at exact points on it,
//     returning a [Source] handle per scheduled buffer.
//
// A [Device] opens both. Implementations live in sub-packages
// (audio/portaudio for real hardware, audio/mock for tests). The interfaces
// are intentionally narrow so the lifecycle controller can own and release
// every handle deterministically.
//
// This package lives under pkg/ because hardware backends are expected to be
// provided by external code as well.
package audio

import (
	"context"
	"time"
)

// Device is the entry point for an audio backend. Implementations must be
// safe for concurrent use; the controller opens input and output in parallel.
type Device interface {
	// OpenInput acquires the microphone and starts capturing at format f.
	// framesPerBuffer is a hint for the device's native chunk size. The ctx
	// governs the acquisition only; once open, the stream lives until
	// [InputStream.Close] is called.
	OpenInput(ctx context.Context, f Format, framesPerBuffer int) (InputStream, error)

	// OpenOutput creates a playback context running at format f.
	OpenOutput(ctx context.Context, f Format) (OutputContext, error)
}

// HealthChecker is implemented by backends that can check device availability
// without opening a stream. Readiness checks use it when present.
type HealthChecker interface {
	// CheckDevices returns nil when both a capture and a playback device are
	// available.
	CheckDevices(ctx context.Context) error
}

// InputStream is an open microphone capture context.
type InputStream interface {
	// Frames returns the channel of captured frames. Chunk sizes are
	// device-defined; callers re-frame as needed. The channel is closed when
	// the stream stops. Implementations drop frames rather than block when
	// the consumer falls behind.
	Frames() <-chan Frame

	// Format returns the capture format.
	Format() Format

	// Close stops capturing and releases the microphone. Idempotent.
	Close() error
}

// OutputContext is an open playback context with its own clock.
type OutputContext interface {
	// CurrentTime returns the output clock: the amount of audio rendered
	// since the context was opened. It never decreases.
	CurrentTime() time.Duration

	// Format returns the playback format. Buffers passed to Start must
	// already be in this format.
	Format() Format

	// Start schedules buf to begin playing at the output clock time at. A
	// time in the past starts immediately. The returned Source tracks the
	// scheduled playback.
	Start(buf *Buffer, at time.Duration) (Source, error)

	// Close stops all playback and releases the output device. Idempotent.
	Close() error
}

// Source is one buffer scheduled on an [OutputContext].
type Source interface {
	// Ended returns a channel that is closed once the source has finished
	// playing naturally or has been stopped.
	Ended() <-chan struct{}

	// Stop halts the source immediately. Stopping a source that already ended
	// or whose context is closed returns an error; callers abandoning
	// playback may ignore it.
	Stop() error
}
