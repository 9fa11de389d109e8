package assistant

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/autoos/internal/observe"
	"github.com/MrWong99/autoos/pkg/audio"
	audiomock "github.com/MrWong99/autoos/pkg/audio/mock"
	"github.com/MrWong99/autoos/pkg/provider/s2s"
	s2smock "github.com/MrWong99/autoos/pkg/provider/s2s/mock"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

type transition struct{ from, to Status }

// statusLog records status transitions reported to the observer.
type statusLog struct {
	mu  sync.Mutex
	log []transition
}

func (l *statusLog) observe(from, to Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, transition{from, to})
}

func (l *statusLog) transitions() []transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transition(nil), l.log...)
}

type fixture struct {
	ctrl     *Controller
	provider *s2smock.Provider
	device   *audiomock.Device
	statuses *statusLog
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		provider: &s2smock.Provider{},
		device:   &audiomock.Device{},
		statuses: &statusLog{},
	}
	cfg := Config{
		Provider:    f.provider,
		Device:      f.device,
		Credential:  "test-key",
		Session:     s2s.SessionConfig{Model: "test-model", Voice: "Kore"},
		SettleDelay: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.ctrl, err = New(cfg, WithMetrics(metrics), WithStatusObserver(f.statuses.observe))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.ctrl.Close() })
	return f
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

func (f *fixture) waitStatus(t *testing.T, want Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool { return f.ctrl.Status() == want })
}

// connect drives the controller to Connected and returns the live session.
func (f *fixture) connect(t *testing.T) *s2smock.Session {
	t.Helper()
	if err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "session handed out", func() bool { return f.provider.LastSession() != nil })
	sess := f.provider.LastSession()
	// Events buffer in the session until the pump picks them up.
	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
	f.waitStatus(t, StatusConnected)
	return sess
}

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// chunk returns little-endian PCM for d of silence at the playback rate.
func chunk(d time.Duration) []byte {
	n := int(d * time.Duration(audio.PlaybackFormat.SampleRate) / time.Second)
	return make([]byte, 2*n)
}

// feedMicrophone pushes loud frames into in until the returned stop func is
// called. stop waits for the feeder to exit.
func feedMicrophone(in *audiomock.InputStream) (stop func()) {
	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		samples := constant(4096, 0.5)
		for {
			select {
			case <-quit:
				return
			default:
			}
			in.Push(samples)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-exited
	}
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestStatus_String(t *testing.T) {
	cases := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusError:        "error",
		Status(42):         "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Device: &audiomock.Device{}}); err == nil {
		t.Error("expected error without provider")
	}
	if _, err := New(Config{Provider: &s2smock.Provider{}}); err == nil {
		t.Error("expected error without device")
	}
}

func TestConnect_NoCredentialGoesStraightToError(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Credential = "" })

	if err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := f.ctrl.Status(); got != StatusError {
		t.Fatalf("Status = %v, want error", got)
	}
	if !errors.Is(f.ctrl.LastError(), ErrConfiguration) {
		t.Errorf("LastError = %v, want ErrConfiguration", f.ctrl.LastError())
	}
	want := []transition{{StatusDisconnected, StatusError}}
	if got := f.statuses.transitions(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if n := f.provider.ConnectCallCount(); n != 0 {
		t.Errorf("provider Connect called %d times", n)
	}
	if n := len(f.device.Inputs()); n != 0 {
		t.Errorf("microphone opened %d times", n)
	}
}

func TestConnect_NormalFlow(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)

	want := []transition{
		{StatusDisconnected, StatusConnecting},
		{StatusConnecting, StatusConnected},
	}
	got := f.statuses.transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}

	call := f.provider.ConnectCalls[0]
	if call.Cfg.Model != "test-model" || call.Cfg.Voice != "Kore" {
		t.Errorf("session config = %+v", call.Cfg)
	}
	if in := f.device.OpenInputCalls[0]; in.Format != audio.CaptureFormat || in.FramesPerBuffer != audio.DefaultFrameSize {
		t.Errorf("OpenInput = %+v", in)
	}
	if out := f.device.LastOutput(); out.Format() != audio.PlaybackFormat {
		t.Errorf("output format = %v", out.Format())
	}

	// Capture starts asynchronously and discards anything buffered before it
	// runs, so keep offering frames until one reaches the session.
	in := f.device.LastInput()
	waitFor(t, "first frame sent", func() bool {
		if sess.SentCount() > 0 {
			return true
		}
		in.Push(constant(audio.DefaultFrameSize, 0.05))
		time.Sleep(50 * time.Millisecond)
		return sess.SentCount() > 0
	})
	if got := f.ctrl.Volume(); math.Abs(got-0.1) > 1e-6 {
		t.Errorf("Volume = %v, want 0.1", got)
	}
}

func TestConnect_NoOpWhileConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	if err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := f.provider.ConnectCallCount(); n != 1 {
		t.Errorf("provider Connect called %d times, want 1", n)
	}
	if f.ctrl.Status() != StatusConnected {
		t.Errorf("Status = %v", f.ctrl.Status())
	}
}

func TestDisconnect_Twice(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)

	f.ctrl.Disconnect()
	if f.ctrl.Status() != StatusDisconnected {
		t.Fatalf("Status = %v after first disconnect", f.ctrl.Status())
	}
	f.ctrl.Disconnect()
	if f.ctrl.Status() != StatusDisconnected {
		t.Fatalf("Status = %v after second disconnect", f.ctrl.Status())
	}

	if !sess.Closed() {
		t.Error("session not closed")
	}
	if !f.device.LastInput().Closed() {
		t.Error("microphone not released")
	}
	if !f.device.LastOutput().Closed() {
		t.Error("output not closed")
	}
	if f.ctrl.Volume() != 0 || f.ctrl.Speaking() {
		t.Errorf("Volume=%v Speaking=%v after disconnect", f.ctrl.Volume(), f.ctrl.Speaking())
	}
}

func TestDisconnect_BeforeAnyConnect(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.Disconnect()
	if f.ctrl.Status() != StatusDisconnected {
		t.Errorf("Status = %v", f.ctrl.Status())
	}
	if len(f.statuses.transitions()) != 0 {
		t.Errorf("unexpected transitions %v", f.statuses.transitions())
	}
}

func TestDisconnect_ClearsError(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Credential = "" })
	_ = f.ctrl.Connect(context.Background())
	f.ctrl.Disconnect()
	if f.ctrl.Status() != StatusDisconnected || f.ctrl.LastError() != nil {
		t.Errorf("Status=%v LastError=%v", f.ctrl.Status(), f.ctrl.LastError())
	}
}

func TestDisconnect_BeforeSessionResolves(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.Gate = make(chan struct{})

	if err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "handshake started", func() bool { return f.provider.ConnectCallCount() == 1 })

	f.ctrl.Disconnect()
	if f.ctrl.Status() != StatusDisconnected {
		t.Fatalf("Status = %v", f.ctrl.Status())
	}
	in := f.device.LastInput()
	if !in.Closed() || !f.device.LastOutput().Closed() {
		t.Error("devices not released on disconnect")
	}

	// The handshake completes after the user gave up.
	close(f.provider.Gate)
	waitFor(t, "stale session closed", func() bool {
		s := f.provider.LastSession()
		return s != nil && s.Closed()
	})
	sess := f.provider.LastSession()
	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
	in.Push(constant(audio.DefaultFrameSize, 0.5))
	time.Sleep(20 * time.Millisecond)

	if f.ctrl.Status() != StatusDisconnected {
		t.Errorf("Status = %v, stale session must not attach", f.ctrl.Status())
	}
	if sess.SentCount() != 0 {
		t.Errorf("sent %d frames on a stale session", sess.SentCount())
	}
}

func TestDisconnect_DuringDeviceAcquisition(t *testing.T) {
	f := newFixture(t, nil)
	f.device.InputGate = make(chan struct{})

	if err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if f.ctrl.Status() != StatusConnecting {
		t.Fatalf("Status = %v, want connecting", f.ctrl.Status())
	}
	f.ctrl.Disconnect()
	if f.ctrl.Status() != StatusDisconnected {
		t.Fatalf("Status = %v", f.ctrl.Status())
	}

	// Acquisition unwinds on its own once the attempt is cancelled; whatever
	// it managed to open is released.
	waitFor(t, "outputs released", func() bool {
		for _, out := range f.device.Outputs() {
			if !out.Closed() {
				return false
			}
		}
		return true
	})
	time.Sleep(20 * time.Millisecond)
	if n := f.provider.ConnectCallCount(); n != 0 {
		t.Errorf("session opened %d times after disconnect", n)
	}
	if f.ctrl.Status() != StatusDisconnected {
		t.Errorf("Status = %v", f.ctrl.Status())
	}
}

func TestConnect_DeviceFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.device.InputError = errors.New("permission denied")

	_ = f.ctrl.Connect(context.Background())
	f.waitStatus(t, StatusError)

	if !errors.Is(f.ctrl.LastError(), ErrDeviceAcquisition) {
		t.Errorf("LastError = %v, want ErrDeviceAcquisition", f.ctrl.LastError())
	}
	for _, out := range f.device.Outputs() {
		if !out.Closed() {
			t.Error("output context leaked after input failure")
		}
	}
	if n := f.provider.ConnectCallCount(); n != 0 {
		t.Errorf("provider Connect called %d times", n)
	}
}

func TestConnect_HandshakeFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.ConnectErr = s2s.ErrConnection

	_ = f.ctrl.Connect(context.Background())
	f.waitStatus(t, StatusError)

	if !errors.Is(f.ctrl.LastError(), ErrConnection) {
		t.Errorf("LastError = %v, want ErrConnection", f.ctrl.LastError())
	}
	if !f.device.LastInput().Closed() || !f.device.LastOutput().Closed() {
		t.Error("devices not released after handshake failure")
	}

	// A retry from Error starts a fresh attempt.
	f.provider.ConnectErr = nil
	f.connect(t)
}

func TestEvents_AudioIsScheduledBackToBack(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)
	out := f.device.LastOutput()

	sess.Emit(s2s.Event{Kind: s2s.EventAudioChunk, Audio: chunk(2 * time.Second)})
	sess.Emit(s2s.Event{Kind: s2s.EventAudioChunk, Audio: chunk(1500 * time.Millisecond)})
	waitFor(t, "two segments", func() bool { return len(out.StartedSources()) == 2 })

	srcs := out.StartedSources()
	if srcs[0].At != 0 || srcs[1].At != 2*time.Second {
		t.Errorf("starts = %v, %v; want 0s, 2s", srcs[0].At, srcs[1].At)
	}
	if !f.ctrl.Speaking() {
		t.Error("Speaking = false while segments are queued")
	}

	srcs[0].EndNow()
	srcs[1].EndNow()
	waitFor(t, "speaking settles", func() bool { return !f.ctrl.Speaking() })
}

func TestEvents_MalformedChunkIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)
	out := f.device.LastOutput()

	sess.Emit(s2s.Event{Kind: s2s.EventAudioChunk, Audio: []byte{1, 2, 3}})
	sess.Emit(s2s.Event{Kind: s2s.EventAudioChunk, Audio: chunk(100 * time.Millisecond)})
	waitFor(t, "good chunk scheduled", func() bool { return len(out.StartedSources()) == 1 })

	if f.ctrl.Status() != StatusConnected {
		t.Errorf("Status = %v, malformed audio must not end the session", f.ctrl.Status())
	}
	if d := out.StartedSources()[0].Buffer.Duration(); d != 100*time.Millisecond {
		t.Errorf("scheduled %v, want 100ms", d)
	}
}

func TestEvents_InterruptSilencesImmediately(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)
	out := f.device.LastOutput()

	for range 3 {
		sess.Emit(s2s.Event{Kind: s2s.EventAudioChunk, Audio: chunk(time.Second)})
	}
	waitFor(t, "segments", func() bool { return len(out.StartedSources()) == 3 })

	sess.Emit(s2s.Event{Kind: s2s.EventInterrupted})
	waitFor(t, "segments stopped", func() bool {
		for _, src := range out.StartedSources() {
			if !src.Stopped() {
				return false
			}
		}
		return true
	})
	if f.ctrl.Speaking() {
		t.Error("Speaking = true after interrupt")
	}

	// The next segment plays at the current clock, not after the stale queue.
	out.SetTime(400 * time.Millisecond)
	sess.Emit(s2s.Event{Kind: s2s.EventAudioChunk, Audio: chunk(time.Second)})
	waitFor(t, "post-interrupt segment", func() bool { return len(out.StartedSources()) == 4 })
	if at := out.StartedSources()[3].At; at != 400*time.Millisecond {
		t.Errorf("start after interrupt = %v, want 400ms", at)
	}
}

func TestEvents_TurnCompleteClearsSpeaking(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SettleDelay = time.Hour })
	sess := f.connect(t)
	out := f.device.LastOutput()

	sess.Emit(s2s.Event{Kind: s2s.EventAudioChunk, Audio: chunk(time.Second)})
	waitFor(t, "segment", func() bool { return len(out.StartedSources()) == 1 })
	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
	waitFor(t, "turn complete", func() bool { return !f.ctrl.Speaking() })
}

func TestEvents_ClosedReleasesEverything(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)

	sess.Emit(s2s.Event{Kind: s2s.EventClosed})
	f.waitStatus(t, StatusDisconnected)

	if !f.device.LastInput().Closed() || !f.device.LastOutput().Closed() {
		t.Error("devices not released after remote close")
	}
	if !sess.Closed() {
		t.Error("session not closed")
	}
}

func TestEvents_ErrorMovesToError(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)

	boom := errors.New("quota exceeded")
	sess.Emit(s2s.Event{Kind: s2s.EventError, Err: boom})
	f.waitStatus(t, StatusError)

	if !errors.Is(f.ctrl.LastError(), boom) {
		t.Errorf("LastError = %v, want %v", f.ctrl.LastError(), boom)
	}
	if !f.device.LastInput().Closed() {
		t.Error("microphone still held after session error")
	}
}

func TestEvents_StreamEndWithoutClose(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)

	_ = sess.Close()
	f.waitStatus(t, StatusDisconnected)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	snap := f.ctrl.Snapshot()
	if snap.Status != "disconnected" || snap.Speaking || snap.Volume != 0 {
		t.Errorf("Snapshot = %+v", snap)
	}
	f.connect(t)
	if got := f.ctrl.Snapshot().Status; got != "connected" {
		t.Errorf("Snapshot.Status = %q", got)
	}
}

func TestClose_DisconnectsAndRefusesConnect(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.connect(t)

	if err := f.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.ctrl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !sess.Closed() || !f.device.LastInput().Closed() {
		t.Error("Close leaked the live session or microphone")
	}
	if f.ctrl.Status() != StatusDisconnected {
		t.Errorf("Status = %v", f.ctrl.Status())
	}
	if err := f.ctrl.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	f.ctrl.Disconnect() // must not block or panic
}

func TestConnect_ContextCancelled(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.ctrl.Connect(ctx); err == nil {
		t.Error("expected error")
	}
}

// ─── Teardown under live capture ─────────────────────────────────────────────

func TestDisconnect_DuringCaptureResetsVolume(t *testing.T) {
	for i := range 25 {
		f := newFixture(t, nil)
		f.connect(t)
		stop := feedMicrophone(f.device.LastInput())
		waitFor(t, "capture level", func() bool { return f.ctrl.Volume() > 0 })

		f.ctrl.Disconnect()
		stop()
		time.Sleep(5 * time.Millisecond)

		if got := f.ctrl.Status(); got != StatusDisconnected {
			t.Fatalf("run %d: Status = %v, want disconnected", i, got)
		}
		if v := f.ctrl.Volume(); v != 0 {
			t.Fatalf("run %d: Volume = %v after disconnect, want 0", i, v)
		}
	}
}

func TestRemoteTeardown_DuringCaptureResetsVolume(t *testing.T) {
	tests := []struct {
		name string
		ev   s2s.Event
		want Status
	}{
		{name: "closed", ev: s2s.Event{Kind: s2s.EventClosed}, want: StatusDisconnected},
		{name: "error", ev: s2s.Event{Kind: s2s.EventError, Err: errors.New("socket reset")}, want: StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := range 10 {
				f := newFixture(t, nil)
				sess := f.connect(t)
				stop := feedMicrophone(f.device.LastInput())
				waitFor(t, "capture level", func() bool { return f.ctrl.Volume() > 0 })

				sess.Emit(tt.ev)
				f.waitStatus(t, tt.want)
				stop()
				time.Sleep(5 * time.Millisecond)

				if v := f.ctrl.Volume(); v != 0 {
					t.Fatalf("run %d: Volume = %v after %s, want 0", i, v, tt.name)
				}
				if snap := f.ctrl.Snapshot(); snap.Volume != 0 {
					t.Fatalf("run %d: snapshot volume = %v, want 0", i, snap.Volume)
				}
			}
		})
	}
}
