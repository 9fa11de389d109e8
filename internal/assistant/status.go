package assistant

import "errors"

// Status is the connection state of the assistant as the UI sees it.
type Status int

const (
	// StatusDisconnected is the initial state and the state after every
	// Disconnect.
	StatusDisconnected Status = iota

	// StatusConnecting covers device acquisition and the session handshake.
	StatusConnecting

	// StatusConnected means a live session is open and audio flows both ways.
	StatusConnected

	// StatusError means the last attempt failed. It persists until the next
	// Connect or Disconnect.
	StatusError
)

// String returns the lowercase state name used in logs, metrics, and the
// control API.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Failure taxonomy. Connect-time failures are never returned to the caller;
// they surface as [StatusError] with the cause available from
// [Controller.LastError].
var (
	// ErrConfiguration means no credential is configured. No retry happens.
	ErrConfiguration = errors.New("assistant: no credential configured")

	// ErrDeviceAcquisition means the microphone or the output device could
	// not be opened.
	ErrDeviceAcquisition = errors.New("assistant: audio device unavailable")

	// ErrConnection means the session handshake or transport failed.
	ErrConnection = errors.New("assistant: connection failed")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("assistant: controller closed")
)
