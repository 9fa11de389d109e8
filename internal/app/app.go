// Package app wires all AutoOS subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the assistant controller,
// the visualiser feed, and the HTTP surface; Run serves until the context is
// cancelled; Shutdown tears everything down in order.
//
// For testing, inject collaborators via functional options (WithMetrics,
// WithListener, etc.) and pass mock providers in [Providers].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/autoos/internal/assistant"
	"github.com/MrWong99/autoos/internal/config"
	"github.com/MrWong99/autoos/internal/health"
	"github.com/MrWong99/autoos/internal/httpapi"
	"github.com/MrWong99/autoos/internal/observe"
	"github.com/MrWong99/autoos/internal/visualizer"
	"github.com/MrWong99/autoos/pkg/audio"
	"github.com/MrWong99/autoos/pkg/provider/s2s"
)

// Server timeouts. WriteTimeout stays zero because the feed endpoint holds a
// long-lived websocket.
const (
	readHeaderTimeout = 10 * time.Second
	serverStopTimeout = 5 * time.Second
)

// Providers holds the two external collaborators of the assistant. Populated
// by main.go via the config registry.
type Providers struct {
	S2S   s2s.Provider
	Audio audio.Device
}

// App owns all subsystem lifetimes and serves the AutoOS control API.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	listener net.Listener
	origins  []string

	ctrl    *assistant.Controller
	feed    *visualizer.Feed
	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithOriginPatterns allows cross-origin websocket clients on the feed
// endpoint (e.g. a dashboard served from another host).
func WithOriginPatterns(patterns ...string) Option {
	return func(a *App) { a.origins = append(a.origins, patterns...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Both providers are
// required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: s2s provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: audio device is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Assistant controller ──────────────────────────────────────────
	if err := a.initController(); err != nil {
		return nil, fmt.Errorf("app: init controller: %w", err)
	}

	// ── 2. Visualiser feed ───────────────────────────────────────────────
	a.feed = visualizer.NewFeed(a.ctrl)

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	slog.InfoContext(ctx, "app initialised",
		"provider", cfg.Assistant.Provider.Name,
		"audio_backend", cfg.Audio.Backend,
	)
	return a, nil
}

func (a *App) initController() error {
	ac := a.cfg.Assistant
	ctrl, err := assistant.New(assistant.Config{
		Provider:   a.providers.S2S,
		Device:     a.providers.Audio,
		Credential: ac.Provider.Credential(),
		Session: s2s.SessionConfig{
			Model:              ac.Provider.Model,
			Voice:              ac.Voice,
			Instructions:       ac.Instructions,
			ResponseModalities: ac.ResponseModalities,
		},
		InputFormat:  audio.Format{SampleRate: a.cfg.Audio.InputSampleRate, Channels: 1},
		OutputFormat: audio.Format{SampleRate: a.cfg.Audio.OutputSampleRate, Channels: 1},
		FrameSize:    a.cfg.Audio.FrameSize,
		SettleDelay:  ac.SettleDelay,
	},
		assistant.WithMetrics(a.metrics),
		assistant.WithStatusObserver(func(from, to assistant.Status) {
			slog.Info("assistant status changed", "from", from, "to", to)
		}),
	)
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	a.closers = append(a.closers, ctrl.Close)
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()

	checks := health.New(
		health.Func("assistant", func() error {
			if a.ctrl.Status() != assistant.StatusError {
				return nil
			}
			if err := a.ctrl.LastError(); err != nil {
				return err
			}
			return errors.New("assistant in error state")
		}),
		health.Checker{Name: "audio", Check: func(ctx context.Context) error {
			if p, ok := a.providers.Audio.(audio.HealthChecker); ok {
				return p.CheckDevices(ctx)
			}
			return nil
		}},
	)
	checks.Register(mux)

	var apiOpts []httpapi.Option
	if len(a.origins) > 0 {
		apiOpts = append(apiOpts, httpapi.WithOriginPatterns(a.origins...))
	}
	httpapi.New(a.ctrl, a.feed, apiOpts...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Controller returns the assistant controller.
func (a *App) Controller() *assistant.Controller { return a.ctrl }

// Handler returns the root HTTP handler, including middleware.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and samples the visualiser feed until ctx is
// cancelled. It returns ctx.Err() on cancellation, or the first server error.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.feed.Run(gctx)
		return nil
	})

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverStopTimeout)
		defer cancel()
		if err := a.server.Shutdown(stopCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
