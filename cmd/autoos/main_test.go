package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/autoos/internal/config"
	"github.com/MrWong99/autoos/internal/resilience"
	audiomock "github.com/MrWong99/autoos/pkg/audio/mock"
	geminilive "github.com/MrWong99/autoos/pkg/provider/s2s/gemini"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Assistant: config.AssistantConfig{
			Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "k"},
		},
		Audio: config.AudioConfig{Backend: "mock"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestBuildProviders_Primary(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ps, err := buildProviders(testConfig(), reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := ps.S2S.(*geminilive.Provider); !ok {
		t.Errorf("S2S = %T, want *gemini.Provider", ps.S2S)
	}
	if _, ok := ps.Audio.(*audiomock.Device); !ok {
		t.Errorf("Audio = %T, want *mock.Device", ps.Audio)
	}
}

func TestBuildProviders_WithFallbacks(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := testConfig()
	cfg.Assistant.Fallbacks = []config.ProviderEntry{{Name: "openai-realtime", APIKey: "k2"}}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	fb, ok := ps.S2S.(*resilience.S2SFallback)
	if !ok {
		t.Fatalf("S2S = %T, want *resilience.S2SFallback", ps.S2S)
	}
	if fb.Breaker("openai-realtime#1") == nil {
		t.Error("fallback breaker not registered under its indexed name")
	}
}

func TestBuildProviders_UnknownProvider(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := testConfig()
	cfg.Assistant.Provider.Name = "nope"
	if _, err := buildProviders(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}

	cfg = testConfig()
	cfg.Audio.Backend = "alsa"
	if _, err := buildProviders(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   config.LogLevel
		enabled slog.Level
		below   slog.Level
	}{
		{config.LogDebug, slog.LevelDebug, slog.LevelDebug - 1},
		{config.LogInfo, slog.LevelInfo, slog.LevelDebug},
		{config.LogWarn, slog.LevelWarn, slog.LevelInfo},
		{config.LogError, slog.LevelError, slog.LevelWarn},
	}
	for _, tt := range tests {
		for _, format := range []string{"text", "json"} {
			l := newLogger(tt.level, format)
			ctx := context.Background()
			if !l.Enabled(ctx, tt.enabled) {
				t.Errorf("newLogger(%s, %s) disables %v", tt.level, format, tt.enabled)
			}
			if l.Enabled(ctx, tt.below) {
				t.Errorf("newLogger(%s, %s) enables %v", tt.level, format, tt.below)
			}
		}
	}
	if _, ok := newLogger(config.LogInfo, "json").Handler().(*slog.JSONHandler); !ok {
		t.Error("json format did not select the JSON handler")
	}
}
