package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/autoos/internal/visualizer"
)

// fakeAssistant records calls and serves a settable snapshot.
type fakeAssistant struct {
	mu              sync.Mutex
	snap            visualizer.Snapshot
	lastErr         error
	connectErr      error
	connectCalls    int
	disconnectCalls int
}

func (f *fakeAssistant) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.snap.Status = "connecting"
	return nil
}

func (f *fakeAssistant) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	f.snap = visualizer.Snapshot{Status: "disconnected"}
}

func (f *fakeAssistant) Snapshot() visualizer.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeAssistant) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeAssistant) set(s visualizer.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
}

func newServer(t *testing.T, a *fakeAssistant, feed *visualizer.Feed) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	New(a, feed).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decodeState(t *testing.T, resp *http.Response) State {
	t.Helper()
	defer resp.Body.Close()
	var s State
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return s
}

func TestConnect_Accepted(t *testing.T) {
	a := &fakeAssistant{snap: visualizer.Snapshot{Status: "disconnected"}}
	srv := newServer(t, a, nil)

	resp, err := http.Post(srv.URL+"/v1/assistant/connect", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if got := decodeState(t, resp); got.Status != "connecting" {
		t.Errorf("state = %+v", got)
	}
	if a.connectCalls != 1 {
		t.Errorf("Connect called %d times", a.connectCalls)
	}
}

func TestConnect_Rejected(t *testing.T) {
	a := &fakeAssistant{connectErr: errors.New("controller closed")}
	srv := newServer(t, a, nil)

	resp, err := http.Post(srv.URL+"/v1/assistant/connect", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if got := decodeState(t, resp); got.Error != "controller closed" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestConnect_WrongMethod(t *testing.T) {
	srv := newServer(t, &fakeAssistant{}, nil)
	resp, err := http.Get(srv.URL + "/v1/assistant/connect")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestDisconnect(t *testing.T) {
	a := &fakeAssistant{snap: visualizer.Snapshot{Status: "connected", Speaking: true, Volume: 0.4}}
	srv := newServer(t, a, nil)

	resp, err := http.Post(srv.URL+"/v1/assistant/disconnect", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	got := decodeState(t, resp)
	if got.Status != "disconnected" || got.Speaking || got.Volume != 0 {
		t.Errorf("state = %+v", got)
	}
}

func TestState_IncludesLastError(t *testing.T) {
	a := &fakeAssistant{
		snap:    visualizer.Snapshot{Status: "error"},
		lastErr: errors.New("assistant: no credential configured"),
	}
	srv := newServer(t, a, nil)

	resp, err := http.Get(srv.URL + "/v1/assistant/state")
	if err != nil {
		t.Fatal(err)
	}
	got := decodeState(t, resp)
	if got.Status != "error" || !strings.Contains(got.Error, "credential") {
		t.Errorf("state = %+v", got)
	}
}

func TestState_JSONShape(t *testing.T) {
	a := &fakeAssistant{snap: visualizer.Snapshot{Status: "connected", Speaking: true, Volume: 0.25}}
	srv := newServer(t, a, nil)

	resp, err := http.Get(srv.URL + "/v1/assistant/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if raw["status"] != "connected" || raw["speaking"] != true || raw["volume"] != 0.25 {
		t.Errorf("body = %v", raw)
	}
	if _, ok := raw["error"]; ok {
		t.Error("error key should be omitted when empty")
	}
}

func TestFeed_Unavailable(t *testing.T) {
	srv := newServer(t, &fakeAssistant{}, nil)
	resp, err := http.Get(srv.URL + "/v1/assistant/feed")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestFeed_StreamsSnapshots(t *testing.T) {
	a := &fakeAssistant{snap: visualizer.Snapshot{Status: "disconnected"}}
	feed := visualizer.NewFeed(a)
	srv := newServer(t, a, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/assistant/feed"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	var first visualizer.Snapshot
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.Status != "disconnected" {
		t.Errorf("initial = %+v", first)
	}

	waitFor(t, "subscriber registered", func() bool { return feed.Subscribers() == 1 })
	a.set(visualizer.Snapshot{Status: "connected", Speaking: true, Volume: 0.5})
	feed.Poll()

	for {
		var snap visualizer.Snapshot
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if snap.Status == "connected" {
			if !snap.Speaking || snap.Volume != 0.5 {
				t.Errorf("update = %+v", snap)
			}
			break
		}
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "subscriber released", func() bool { return feed.Subscribers() == 0 })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
