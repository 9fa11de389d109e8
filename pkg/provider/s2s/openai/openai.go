// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The API only accepts 24 kHz PCM16, so captured 16 kHz blobs are resampled
// before they are appended to the input buffer. Server-side voice activity
// detection drives barge-in: input_audio_buffer.speech_started surfaces as
// [s2s.EventInterrupted].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/autoos/pkg/audio"
	"github.com/MrWong99/autoos/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// apiSampleRate is the only PCM16 rate the Realtime API accepts.
	apiSampleRate = 24000

	eventBuffer = 64

	// writeTimeout bounds a single outbound message on a stalled socket.
	writeTimeout = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default OpenAI model used when [s2s.SessionConfig.Model]
// is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		ContextWindow:      128_000,
		MaxSessionDuration: 30 * time.Minute,
		InputFormat:        audio.CaptureFormat,
		OutputFormat:       audio.Format{SampleRate: apiSampleRate, Channels: 1},
		Voices: []s2s.Voice{
			{ID: "alloy", Name: "Alloy"},
			{ID: "ash", Name: "Ash"},
			{ID: "ballad", Name: "Ballad"},
			{ID: "coral", Name: "Coral"},
			{ID: "echo", Name: "Echo"},
			{ID: "sage", Name: "Sage"},
			{ID: "shimmer", Name: "Shimmer"},
			{ID: "verse", Name: "Verse"},
		},
	}
}

// Connect dials the Realtime endpoint and sends session.update. The first
// session.created or session.updated event surfaces as [s2s.EventOpened].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: connect: %w", s2s.ErrAuthentication)
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", s2s.ErrConnection, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w: %w", s2s.ErrConnection, err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string `json:"modalities,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	closed bool

	// opened is only touched by receiveLoop.
	opened bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, modalities and audio formats.
func (s *session) sendSessionUpdate(cfg s2s.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if params.Voice == "" {
		params.Voice = defaultVoice
	}
	if len(cfg.ResponseModalities) > 0 {
		// The Realtime API cannot produce audio without text; AUDIO alone is
		// expanded to both.
		params.Modalities = nil
		for _, m := range cfg.ResponseModalities {
			params.Modalities = append(params.Modalities, strings.ToLower(m))
		}
		if len(params.Modalities) == 1 && params.Modalities[0] == "audio" {
			params.Modalities = append(params.Modalities, "text")
		}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.emit(s2s.Event{Kind: s2s.EventClosed})
			default:
				s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent maps one Realtime event to the session event contract.
// Unmapped event types are ignored. It reports false once the session context
// is done.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		if s.opened {
			return true
		}
		s.opened = true
		return s.emit(s2s.Event{Kind: s2s.EventOpened})

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return true
		}
		if len(pcm) == 0 {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventAudioChunk, Audio: pcm})

	case "response.done":
		return s.emit(s2s.Event{Kind: s2s.EventTurnComplete})

	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Event{Kind: s2s.EventInterrupted})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
	return true
}

// emit delivers ev unless the session is closed first.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// blobRate extracts the sample rate from a MIME type such as
// "audio/pcm;rate=16000". It returns 0 when no rate is present.
func blobRate(mime string) int {
	_, params, ok := strings.Cut(mime, ";")
	if !ok {
		return 0
	}
	for _, p := range strings.Split(params, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if k == "rate" {
			n, err := strconv.Atoi(v)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio resamples the blob to 24 kHz when needed and appends it to the
// server input buffer.
func (s *session) SendAudio(blob audio.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: send audio: %w", s2s.ErrSessionClosed)
	}
	s.mu.Unlock()

	pcm, err := blob.Bytes()
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	rate := blobRate(blob.MIMEType)
	if rate == 0 {
		rate = audio.CaptureFormat.SampleRate
	}
	if rate != apiSampleRate {
		pcm = audio.ResampleMono16(pcm, rate, apiSampleRate)
	}

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
