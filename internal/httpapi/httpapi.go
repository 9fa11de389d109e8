// Package httpapi exposes the assistant's UI boundary over HTTP.
//
// Routes:
//
//   - POST /v1/assistant/connect: start a connect cycle.
//   - POST /v1/assistant/disconnect: tear the current cycle down.
//   - GET /v1/assistant/state: current status, speaking flag, and volume.
//   - GET /v1/assistant/feed: websocket stream of state snapshots.
//
// These are the only mutation points the assistant offers to a UI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/autoos/internal/visualizer"
)

// writeTimeout bounds a single websocket write to a feed subscriber.
const writeTimeout = 2 * time.Second

// Assistant is the part of the lifecycle controller the API drives.
type Assistant interface {
	Connect(ctx context.Context) error
	Disconnect()
	Snapshot() visualizer.Snapshot
	LastError() error
}

// State is the JSON body returned by every route except the feed.
type State struct {
	visualizer.Snapshot
	Error string `json:"error,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns allows cross-origin websocket clients whose Origin host
// matches one of patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) {
		h.originPatterns = append(h.originPatterns, patterns...)
	}
}

// Handler serves the control API.
type Handler struct {
	assistant      Assistant
	feed           *visualizer.Feed
	originPatterns []string
}

// New creates a Handler. feed may be nil, in which case the feed route
// answers 503.
func New(a Assistant, feed *visualizer.Feed, opts ...Option) *Handler {
	h := &Handler{assistant: a, feed: feed}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/assistant/connect", h.Connect)
	mux.HandleFunc("POST /v1/assistant/disconnect", h.Disconnect)
	mux.HandleFunc("GET /v1/assistant/state", h.State)
	mux.HandleFunc("GET /v1/assistant/feed", h.Feed)
}

// Connect starts a connect cycle and answers 202 with the resulting state.
// The attempt outcome is observed through State or Feed.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.assistant.Connect(r.Context()); err != nil {
		slog.Warn("httpapi: connect rejected", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, State{
			Snapshot: h.assistant.Snapshot(),
			Error:    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, h.state())
}

// Disconnect tears the current cycle down. It never fails.
func (h *Handler) Disconnect(w http.ResponseWriter, _ *http.Request) {
	h.assistant.Disconnect()
	writeJSON(w, http.StatusOK, h.state())
}

// State reports the current snapshot.
func (h *Handler) State(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

// Feed upgrades to a websocket and streams snapshots until the client goes
// away. Each message is one JSON-encoded [visualizer.Snapshot].
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Debug("httpapi: feed upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The feed is write-only; CloseRead handles pings and the close frame.
	ctx := conn.CloseRead(r.Context())

	snaps, cancel := h.feed.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, snap)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("httpapi: feed write failed", "err", err)
				}
				return
			}
		}
	}
}

func (h *Handler) state() State {
	s := State{Snapshot: h.assistant.Snapshot()}
	if err := h.assistant.LastError(); err != nil {
		s.Error = err.Error()
	}
	return s
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpapi: encode response", "err", err)
	}
}
