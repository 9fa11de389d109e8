// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session.
// The AutoOS assistant talks to exactly one such session per connect cycle.
//
// The central abstraction is SessionHandle: outbound audio goes in through
// SendAudio, and everything the service says comes back as a single ordered
// stream of [Event] values. The assistant never inspects transport internals;
// it only reacts to the six event kinds.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/autoos/pkg/audio"
)

var (
	// ErrAuthentication is returned by [Provider.Connect] when no credential
	// is configured.
	ErrAuthentication = errors.New("s2s: no credential configured")

	// ErrConnection wraps dial and setup failures returned by
	// [Provider.Connect].
	ErrConnection = errors.New("s2s: connection failed")

	// ErrSessionClosed is returned by SendAudio after Close.
	ErrSessionClosed = errors.New("s2s: session closed")
)

// EventKind enumerates the inbound events a session can deliver.
type EventKind int

const (
	// EventOpened signals that the service accepted the session setup.
	EventOpened EventKind = iota + 1

	// EventTurnComplete marks the end of one assistant utterance.
	EventTurnComplete

	// EventInterrupted signals user barge-in; buffered playback must stop.
	EventInterrupted

	// EventAudioChunk carries one chunk of synthesised speech in [Event.Audio].
	EventAudioChunk

	// EventClosed signals that the service ended the session normally.
	EventClosed

	// EventError signals a service or transport failure; see [Event.Err].
	EventError
)

// String returns the lower-case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventAudioChunk:
		return "audio_chunk"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message from the remote service.
type Event struct {
	Kind EventKind

	// Audio holds raw 16-bit little-endian PCM for [EventAudioChunk], in the
	// provider's output format (see [Capabilities.OutputFormat]). Transport
	// framing such as base64 has already been removed.
	Audio []byte

	// Err describes the failure for [EventError].
	Err error
}

// Voice identifies a prebuilt synthesised voice.
type Voice struct {
	ID   string
	Name string
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model is the provider-specific model identifier. Empty selects the
	// provider default.
	Model string

	// Voice is the prebuilt voice used for synthesised speech. Empty selects
	// the provider default.
	Voice string

	// Instructions is the system-level prompt constraining persona and
	// verbosity.
	Instructions string

	// ResponseModalities lists the output modalities requested. Empty means
	// audio only.
	ResponseModalities []string
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// ContextWindow is the maximum token count the model keeps across the
	// session.
	ContextWindow int

	// MaxSessionDuration is the provider-imposed session lifetime. Zero means
	// no documented limit.
	MaxSessionDuration time.Duration

	// InputFormat is the PCM format SendAudio expects inside its blobs.
	InputFormat audio.Format

	// OutputFormat is the PCM format of [Event.Audio].
	OutputFormat audio.Format

	// Voices lists the prebuilt voices available.
	Voices []Voice
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one captured frame to the service. Delivery is
	// fire-and-forget: a nil error means the frame was handed to the
	// transport, not that the service received it. Returns
	// [ErrSessionClosed] after Close.
	SendAudio(blob audio.Blob) error

	// Events returns the inbound event stream. Events are delivered in the
	// order the service produced them. The channel is closed when the session
	// ends; a session closed by the caller does not emit [EventClosed].
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the service and sends the session setup. It returns once
	// the setup is on the wire; acceptance arrives later as [EventOpened].
	//
	// Returns an error wrapping [ErrAuthentication] when no credential is
	// configured and [ErrConnection] on dial or setup failure. The caller owns
	// the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
