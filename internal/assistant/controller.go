// Package assistant implements the lifecycle controller of the live voice
// assistant: the connect/disconnect state machine that owns the microphone,
// the output device, and the remote session for one connect cycle.
//
// All state changes happen on a single goroutine that consumes a message
// queue. Public methods and asynchronous completions (device acquisition,
// session handshake, inbound events) only post messages. Every completion is
// tagged with the attempt that started it; a completion whose attempt is no
// longer current releases whatever it carries and is otherwise ignored. This
// is what keeps a session that finishes its handshake after Disconnect from
// ever being attached.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/autoos/internal/capture"
	"github.com/MrWong99/autoos/internal/observe"
	"github.com/MrWong99/autoos/internal/playback"
	"github.com/MrWong99/autoos/internal/visualizer"
	"github.com/MrWong99/autoos/pkg/audio"
	"github.com/MrWong99/autoos/pkg/provider/s2s"
)

// Compile-time check that the controller feeds the visualiser.
var _ visualizer.Source = (*Controller)(nil)

// Config holds the collaborators and tuning of a [Controller].
type Config struct {
	// Provider opens live sessions. Required.
	Provider s2s.Provider

	// Device opens the microphone and the output device. Required.
	Device audio.Device

	// Credential is the API key the provider was built with. An empty value
	// makes every Connect fail with [ErrConfiguration].
	Credential string

	// Session is sent to the provider on every connect.
	Session s2s.SessionConfig

	// InputFormat is the capture format. Defaults to [audio.CaptureFormat].
	InputFormat audio.Format

	// OutputFormat is the playback format. Defaults to [audio.PlaybackFormat].
	OutputFormat audio.Format

	// FrameSize is the outbound frame length in samples. Defaults to
	// [audio.DefaultFrameSize].
	FrameSize int

	// SettleDelay is forwarded to the playback scheduler. Zero selects
	// [playback.DefaultSettleDelay].
	SettleDelay time.Duration
}

// Option configures a [Controller].
type Option func(*Controller)

// WithStatusObserver registers fn to be called on every status change. fn
// runs on the controller goroutine and must not block or call back into the
// controller.
func WithStatusObserver(fn func(from, to Status)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Controller is the lifecycle controller. It is safe for concurrent use.
// Call [Controller.Close] on shutdown; it disconnects regardless of state.
type Controller struct {
	cfg       Config
	metrics   *observe.Metrics
	observers []func(from, to Status)
	meter     visualizer.Meter

	// chunkFormat is the format of received audio chunks.
	chunkFormat audio.Format

	msgs      chan message
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	current *attempt

	// Published for readers.
	mu      sync.RWMutex
	status  Status
	lastErr error
	sched   *playback.Scheduler
}

// New creates a Controller and starts its loop.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, errors.New("assistant: provider is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("assistant: device is required")
	}
	if cfg.InputFormat == (audio.Format{}) {
		cfg.InputFormat = audio.CaptureFormat
	}
	if cfg.OutputFormat == (audio.Format{}) {
		cfg.OutputFormat = audio.PlaybackFormat
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = playback.DefaultSettleDelay
	}

	c := &Controller{
		cfg:  cfg,
		msgs: make(chan message),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.chunkFormat = cfg.Provider.Capabilities().OutputFormat
	if c.chunkFormat == (audio.Format{}) {
		c.chunkFormat = audio.PlaybackFormat
	}

	go c.loop()
	return c, nil
}

// ─── Public API ───────────────────────────────────────────────────────────────

// Connect starts a connect cycle. It is a no-op while connecting or
// connected. It returns once the request has been applied: the status is
// then Connecting, or Error if no credential is configured. The outcome of
// the attempt is observed through [Controller.Status].
//
// The returned error is non-nil only if the controller is closed or ctx ends
// before the request is accepted.
func (c *Controller) Connect(ctx context.Context) error {
	return c.request(ctx, func(ack chan struct{}) message { return connectMsg{ack: ack} })
}

// Disconnect tears down the current cycle, if any, and leaves the controller
// Disconnected. It is safe to call at any time and any number of times.
func (c *Controller) Disconnect() {
	_ = c.request(context.Background(), func(ack chan struct{}) message { return disconnectMsg{ack: ack} })
}

// Close disconnects and stops the controller loop. Idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

// Status returns the current connection state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastError returns the cause of the most recent [StatusError], or nil.
func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Speaking reports whether assistant speech is playing or queued.
func (c *Controller) Speaking() bool {
	c.mu.RLock()
	sched := c.sched
	c.mu.RUnlock()
	return sched != nil && sched.Speaking()
}

// Volume returns the smoothed microphone level in [0, 1].
func (c *Controller) Volume() float64 {
	return c.meter.Level()
}

// Snapshot implements [visualizer.Source].
func (c *Controller) Snapshot() visualizer.Snapshot {
	return visualizer.Snapshot{
		Status:   c.Status().String(),
		Speaking: c.Speaking(),
		Volume:   c.Volume(),
	}
}

// ─── Loop ─────────────────────────────────────────────────────────────────────

// request posts the message built by mk and waits until the loop has applied
// it and closed the ack channel.
func (c *Controller) request(ctx context.Context, mk func(ack chan struct{}) message) error {
	ack := make(chan struct{})
	m := mk(ack)
	select {
	case c.msgs <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ack:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post delivers an asynchronous completion. It reports false once the loop
// has exited; the caller must then release what the message carries.
func (c *Controller) post(m message) bool {
	select {
	case c.msgs <- m:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.handleDisconnect()
			return
		case m := <-c.msgs:
			c.dispatch(m)
		}
	}
}

func (c *Controller) dispatch(m message) {
	switch m := m.(type) {
	case connectMsg:
		c.handleConnect()
		close(m.ack)
	case disconnectMsg:
		c.handleDisconnect()
		close(m.ack)
	case devicesReadyMsg:
		c.handleDevicesReady(m)
	case sessionReadyMsg:
		c.handleSessionReady(m)
	case eventMsg:
		c.handleEvent(m)
	case streamEndedMsg:
		c.handleStreamEnded(m)
	}
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (c *Controller) handleConnect() {
	switch c.Status() {
	case StatusConnecting, StatusConnected:
		return
	}

	if c.cfg.Credential == "" {
		slog.Warn("assistant: connect refused, no credential configured")
		c.metrics.RecordConnectAttempt(context.Background(), "error", 0)
		c.setError(ErrConfiguration)
		return
	}

	att := newAttempt()
	c.current = att
	c.setStatus(StatusConnecting)
	observe.Logger(att.ctx).Info("connecting live assistant", "attempt", att.id)

	go c.acquireDevices(att)
}

func (c *Controller) handleDevicesReady(m devicesReadyMsg) {
	att := m.att
	if att != c.current {
		m.release()
		return
	}
	if m.err != nil {
		c.fail(att, m.err)
		return
	}

	att.in, att.out = m.in, m.out
	att.sched = playback.New(att.out,
		playback.WithSettleDelay(c.cfg.SettleDelay),
		playback.WithMetrics(c.metrics),
	)
	c.mu.Lock()
	c.sched = att.sched
	c.mu.Unlock()

	go c.openSession(att)
}

func (c *Controller) handleSessionReady(m sessionReadyMsg) {
	att := m.att
	if att != c.current {
		if m.sess != nil {
			slog.Info("connection established after disconnect, closing", "attempt", att.id)
			_ = m.sess.Close()
			c.metrics.RecordConnectAttempt(context.Background(), "stale", time.Since(att.started))
		}
		return
	}
	if m.err != nil {
		c.fail(att, fmt.Errorf("%w: %w", ErrConnection, m.err))
		return
	}

	att.sess = m.sess
	go c.pumpEvents(att)
}

func (c *Controller) handleEvent(m eventMsg) {
	att := m.att
	if att != c.current {
		return
	}
	log := observe.Logger(att.ctx)

	switch m.ev.Kind {
	case s2s.EventOpened:
		if att.opened {
			return
		}
		att.opened = true
		log.Info("live session opened", "attempt", att.id)
		c.metrics.RecordConnectAttempt(att.ctx, "connected", time.Since(att.started))
		c.metrics.ActiveSessions.Add(att.ctx, 1)
		att.endSpan(nil)
		c.startCapture(att)
		c.setStatus(StatusConnected)

	case s2s.EventAudioChunk:
		c.playChunk(att, m.ev.Audio)

	case s2s.EventTurnComplete:
		att.sched.TurnComplete()

	case s2s.EventInterrupted:
		log.Info("interrupted", "attempt", att.id)
		att.sched.Interrupt()

	case s2s.EventClosed:
		log.Info("session closed", "attempt", att.id)
		c.teardown(att)
		c.setStatus(StatusDisconnected)

	case s2s.EventError:
		err := m.ev.Err
		if err == nil {
			err = errors.New("session error")
		}
		log.Error("live session error", "attempt", att.id, "err", err)
		if !att.opened {
			err = fmt.Errorf("%w: %w", ErrConnection, err)
		}
		c.fail(att, err)
	}
}

// handleStreamEnded treats an event stream that ends without a Closed or
// Error event as a remote close.
func (c *Controller) handleStreamEnded(m streamEndedMsg) {
	if m.att != c.current {
		return
	}
	c.handleEvent(eventMsg{att: m.att, ev: s2s.Event{Kind: s2s.EventClosed}})
}

func (c *Controller) handleDisconnect() {
	att := c.current
	if att != nil {
		slog.Info("disconnecting live assistant", "attempt", att.id)
		if !att.opened {
			c.metrics.RecordConnectAttempt(context.Background(), "cancelled", time.Since(att.started))
		}
		c.teardown(att)
	}
	c.meter.Reset()
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
	c.setStatus(StatusDisconnected)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// startCapture begins forwarding microphone frames to the session.
func (c *Controller) startCapture(att *attempt) {
	att.pipeline = capture.NewPipeline(&c.meter,
		capture.WithFrameSize(c.cfg.FrameSize),
		capture.WithMetrics(c.metrics),
	)
	att.pipeline.Attach(att.sess)
	att.captureDone = make(chan struct{})
	go func() {
		defer close(att.captureDone)
		if err := att.pipeline.Run(att.ctx, att.in.Frames()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("assistant: capture stopped", "attempt", att.id, "err", err)
		}
	}()
}

// playChunk decodes one received chunk and queues it for playback. A chunk
// that cannot be decoded is dropped; the session stays up.
func (c *Controller) playChunk(att *attempt, pcm []byte) {
	buf, err := audio.DecodeBuffer(pcm, c.chunkFormat, att.out.Format())
	if err != nil {
		c.metrics.MalformedChunks.Add(att.ctx, 1)
		slog.Warn("assistant: dropping malformed audio chunk", "attempt", att.id, "bytes", len(pcm), "err", err)
		return
	}
	if _, err := att.sched.Schedule(buf); err != nil {
		slog.Warn("assistant: failed to schedule audio", "attempt", att.id, "err", err)
	}
}

// fail ends att with err and moves to StatusError.
func (c *Controller) fail(att *attempt, err error) {
	if !att.opened {
		c.metrics.RecordConnectAttempt(context.Background(), "error", time.Since(att.started))
	}
	slog.Warn("assistant: attempt failed", "attempt", att.id, "err", err)
	att.endSpan(err)
	c.teardown(att)
	c.setError(err)
}

// teardown releases every resource of att. Close errors are logged and
// ignored so that teardown always completes.
func (c *Controller) teardown(att *attempt) {
	if att.opened {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	att.release()
	if c.current == att {
		c.current = nil
	}
	c.mu.Lock()
	if c.sched == att.sched {
		c.sched = nil
	}
	c.mu.Unlock()
	c.meter.Reset()
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setStatus(StatusError)
}

func (c *Controller) setStatus(to Status) {
	c.mu.Lock()
	from := c.status
	c.status = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.metrics.RecordStatusTransition(context.Background(), from.String(), to.String())
	for _, fn := range c.observers {
		fn(from, to)
	}
}
