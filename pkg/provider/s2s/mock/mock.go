// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to inject inbound events and inspect what the assistant sent.
//
// Example:
//
//	p := &mock.Provider{Gate: make(chan struct{})}
//	go controller.Connect(ctx)
//	// ... disconnect while Connect is parked on the gate ...
//	close(p.Gate)
//	sess := p.LastSession()
//	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/autoos/pkg/audio"
	"github.com/MrWong99/autoos/pkg/provider/s2s"
)

// Ensure the mocks implement the s2s interfaces at compile time.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// defaultEventBuffer is the capacity of a mock session's event channel.
const defaultEventBuffer = 64

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session for every call.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, parks Connect until it is closed. The ctx passed to
	// Connect is deliberately not observed while parked, which models a
	// handshake that completes even though the caller has since given up.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Sessions returns every session handed out by Connect, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recent session handed out, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCallCount returns how many times Connect was called.
func (p *Provider) ConnectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a mock implementation of s2s.SessionHandle. Tests inject inbound
// events with [Session.Emit].
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool

	// SendErr, if non-nil, is returned by SendAudio (the blob is still
	// recorded).
	SendErr error

	// SendAudioCalls records every blob passed to SendAudio.
	SendAudioCalls []audio.Blob

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open mock session.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, defaultEventBuffer)}
}

// Emit delivers ev on the event stream. It reports false if the session is
// closed or the buffer is full.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// SendAudio records the blob and returns SendErr, or [s2s.ErrSessionClosed]
// after Close.
func (s *Session) SendAudio(blob audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, blob)
	return s.SendErr
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call and closes the event stream on the first call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentCount returns the number of blobs accepted by SendAudio.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}
