// Command autoos is the main entry point for the AutoOS in-car voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/autoos/internal/app"
	"github.com/MrWong99/autoos/internal/config"
	"github.com/MrWong99/autoos/internal/observe"
	"github.com/MrWong99/autoos/internal/resilience"
	"github.com/MrWong99/autoos/pkg/audio"
	audiomock "github.com/MrWong99/autoos/pkg/audio/mock"
	"github.com/MrWong99/autoos/pkg/audio/portaudio"
	"github.com/MrWong99/autoos/pkg/provider/s2s"
	geminilive "github.com/MrWong99/autoos/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/autoos/pkg/provider/s2s/openai"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	envPath := flag.String("env", ".env", "path to a dotenv file with credentials")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "autoos: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "autoos: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "autoos: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	slog.Info("autoos starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		S2SProvider:    cfg.Assistant.Provider.Name,
		AudioBackend:   cfg.Audio.Backend,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if cfg.Assistant.Provider.Credential() == "" {
		slog.Warn("no API key configured, connect requests will fail",
			"env", cfg.Assistant.Provider.APIKeyEnv)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with AutoOS. Used for startup logging.
var builtinProviders = map[string][]string{
	"s2s":   {"gemini-live", "openai-realtime"},
	"audio": {"portaudio", "mock"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.Credential(), opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.Credential(), opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(cfg config.AudioConfig) (audio.Device, error) {
		opts := []portaudio.Option{portaudio.WithOutputBuffer(cfg.OutputBuffer)}
		if cfg.Gain != 0 {
			opts = append(opts, portaudio.WithGain(float32(cfg.Gain)))
		}
		return portaudio.New(opts...), nil
	})

	// mock is a silent device for headless runs: no frames are captured and
	// scheduled audio is discarded.
	reg.RegisterAudio("mock", func(config.AudioConfig) (audio.Device, error) {
		return &audiomock.Device{}, nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the s2s provider and the audio device named in
// cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	entry := cfg.Assistant.Provider
	p, err := reg.CreateS2S(entry)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", entry.Name, err)
	}
	ps.S2S = p
	slog.Info("provider created", "kind", "s2s", "name", entry.Name, "model", entry.Model)

	if fbs := cfg.Assistant.Fallbacks; len(fbs) > 0 {
		cb := cfg.Assistant.CircuitBreaker
		group := resilience.NewS2SFallback(entry.Name, p, resilience.FallbackConfig{
			Breaker: resilience.BreakerConfig{MaxFailures: cb.MaxFailures, Cooldown: cb.Cooldown},
		})
		for i, fb := range fbs {
			fp, err := reg.CreateS2S(fb)
			if err != nil {
				return nil, fmt.Errorf("create s2s fallback %q: %w", fb.Name, err)
			}
			// Indexed names keep breakers distinct when one backend is listed twice.
			name := fmt.Sprintf("%s#%d", fb.Name, i+1)
			if err := group.AddFallback(name, fp); err != nil {
				return nil, err
			}
			slog.Info("provider created", "kind", "s2s-fallback", "name", name, "model", fb.Model)
		}
		ps.S2S = group
	}

	d, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio device %q: %w", cfg.Audio.Backend, err)
	}
	ps.Audio = d
	slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Backend)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         AutoOS · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Assistant.Provider.Name)
	printRow("Model", cfg.Assistant.Provider.Model)
	printRow("Voice", cfg.Assistant.Voice)
	if n := len(cfg.Assistant.Fallbacks); n > 0 {
		printRow("Fallbacks", fmt.Sprintf("%d", n))
	}
	printRow("Audio", cfg.Audio.Backend)
	printRow("Rates", fmt.Sprintf("%d / %d Hz", cfg.Audio.InputSampleRate, cfg.Audio.OutputSampleRate))
	printRow("Frame size", fmt.Sprintf("%d samples", cfg.Audio.FrameSize))
	if cfg.Assistant.Provider.Credential() != "" {
		printRow("API key", "configured")
	} else {
		printRow("API key", "(missing)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
