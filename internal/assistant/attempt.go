package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/autoos/internal/capture"
	"github.com/MrWong99/autoos/internal/observe"
	"github.com/MrWong99/autoos/internal/playback"
	"github.com/MrWong99/autoos/pkg/audio"
	"github.com/MrWong99/autoos/pkg/provider/s2s"
)

// attempt is one connect cycle. Its context is the cancellation token for
// every asynchronous operation the cycle starts. All fields other than id,
// ctx, cancel, span, and started are owned by the loop goroutine.
type attempt struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time

	in       audio.InputStream
	out      audio.OutputContext
	sess     s2s.SessionHandle
	sched    *playback.Scheduler
	pipeline *capture.Pipeline
	// captureDone is closed when the capture goroutine has returned.
	captureDone chan struct{}
	opened      bool
	spanDone    bool
}

func newAttempt() *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "assistant.connect")
	span.SetAttributes(observe.Attr("attempt.id", id))
	return &attempt{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		started: time.Now(),
	}
}

// endSpan closes the connect span once. A nil err marks it successful.
func (a *attempt) endSpan(err error) {
	if a.spanDone {
		return
	}
	a.spanDone = true
	if err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	}
	a.span.End()
}

// release cancels the attempt and closes everything it holds, in the order
// the data flows: stop forwarding, release the microphone, stop playback,
// close the output device, close the session. It returns only after the
// capture goroutine has exited, so no meter update can follow it.
func (a *attempt) release() {
	a.cancel()
	a.endSpan(nil)

	if a.pipeline != nil {
		a.pipeline.Detach()
	}
	if a.in != nil {
		if err := a.in.Close(); err != nil {
			slog.Debug("assistant: close input", "attempt", a.id, "err", err)
		}
	}
	if a.captureDone != nil {
		<-a.captureDone
	}
	if a.sched != nil {
		a.sched.Reset()
	}
	if a.out != nil {
		if err := a.out.Close(); err != nil {
			slog.Debug("assistant: close output", "attempt", a.id, "err", err)
		}
	}
	if a.sess != nil {
		if err := a.sess.Close(); err != nil {
			slog.Debug("assistant: close session", "attempt", a.id, "err", err)
		}
	}
}

// ─── Messages ─────────────────────────────────────────────────────────────────

type message any

type connectMsg struct{ ack chan struct{} }

type disconnectMsg struct{ ack chan struct{} }

type devicesReadyMsg struct {
	att *attempt
	in  audio.InputStream
	out audio.OutputContext
	err error
}

// release closes the devices carried by a stale completion.
func (m devicesReadyMsg) release() {
	closeDevices(m.in, m.out)
}

type sessionReadyMsg struct {
	att  *attempt
	sess s2s.SessionHandle
	err  error
}

type eventMsg struct {
	att *attempt
	ev  s2s.Event
}

type streamEndedMsg struct{ att *attempt }

// ─── Async operations ─────────────────────────────────────────────────────────

// acquireDevices opens the microphone and the output device in parallel. On
// any failure both are released and the error wraps [ErrDeviceAcquisition].
func (c *Controller) acquireDevices(att *attempt) {
	var (
		in  audio.InputStream
		out audio.OutputContext
	)
	g, gctx := errgroup.WithContext(att.ctx)
	g.Go(func() error {
		s, err := c.cfg.Device.OpenInput(gctx, c.cfg.InputFormat, c.cfg.FrameSize)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		in = s
		return nil
	})
	g.Go(func() error {
		o, err := c.cfg.Device.OpenOutput(gctx, c.cfg.OutputFormat)
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		out = o
		return nil
	})

	m := devicesReadyMsg{att: att}
	if err := g.Wait(); err != nil {
		closeDevices(in, out)
		m.err = fmt.Errorf("%w: %w", ErrDeviceAcquisition, err)
	} else {
		m.in, m.out = in, out
	}
	if !c.post(m) {
		m.release()
	}
}

// openSession performs the remote handshake. The session may resolve after
// the attempt was cancelled; the loop decides whether to keep it.
func (c *Controller) openSession(att *attempt) {
	sess, err := c.cfg.Provider.Connect(att.ctx, c.cfg.Session)
	if !c.post(sessionReadyMsg{att: att, sess: sess, err: err}) && sess != nil {
		_ = sess.Close()
	}
}

// pumpEvents forwards inbound session events to the loop until the stream
// ends or the attempt is cancelled.
func (c *Controller) pumpEvents(att *attempt) {
	events := att.sess.Events()
	for {
		select {
		case <-att.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.post(streamEndedMsg{att: att})
				return
			}
			if !c.post(eventMsg{att: att, ev: ev}) {
				return
			}
		}
	}
}

func closeDevices(in audio.InputStream, out audio.OutputContext) {
	if in != nil {
		_ = in.Close()
	}
	if out != nil {
		_ = out.Close()
	}
}
