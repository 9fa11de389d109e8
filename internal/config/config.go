// Package config provides the configuration schema, loader, and provider registry
// for the AutoOS voice assistant.
package config

import "time"

// LogLevel controls log verbosity for the AutoOS server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultProvider         = "gemini-live"
	DefaultModel            = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice            = "Kore"
	DefaultAPIKeyEnv        = "API_KEY"
	DefaultAudioBackend     = "portaudio"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultOutputBuffer     = 512
	DefaultSettleDelay      = 200 * time.Millisecond
)

// DefaultInstructions is the persona sent to the assistant on every connect.
const DefaultInstructions = "You are AutoOS, an intelligent, safe, and helpful in-car AI driving assistant. " +
	"Keep answers concise, relevant to driving, and helpful. Do not be overly verbose. " +
	"You can help with navigation queries, general knowledge, or just chatting while I drive."

// Config is the root configuration structure for AutoOS.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Assistant AssistantConfig `yaml:"assistant"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the AutoOS server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects the slog handler: "text" (default) or "json".
	LogFormat string `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns of cross-origin dashboards allowed
	// to open the feed websocket (e.g., "dash.local:*").
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AssistantConfig configures the live session.
type AssistantConfig struct {
	// Provider selects and configures the speech-to-speech backend.
	Provider ProviderEntry `yaml:"provider"`

	// Voice is the provider-specific synthesised voice name (e.g., "Kore").
	Voice string `yaml:"voice"`

	// Instructions is the system instruction constraining persona and
	// verbosity.
	Instructions string `yaml:"instructions"`

	// ResponseModalities declares the reply modalities. Defaults to ["AUDIO"].
	ResponseModalities []string `yaml:"response_modalities"`

	// SettleDelay is how long the speaking flag stays up after the last
	// segment ends (e.g., "200ms").
	SettleDelay time.Duration `yaml:"settle_delay"`

	// Fallbacks are tried in order when the primary provider refuses the
	// handshake. They must produce the same output audio format.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// CircuitBreaker tunes the per-provider breakers used when Fallbacks is
	// non-empty.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes provider circuit breakers. Zero values select the
// breaker defaults.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive handshake failures that opens
	// the breaker.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long an open breaker skips its provider.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ProviderEntry is the configuration block of the s2s provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g.,
	// "gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the credential. Leave empty to read it from the environment
	// variable named by APIKeyEnv.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the credential.
	// Defaults to API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the audio backend and stream formats.
type AudioConfig struct {
	// Backend selects the registered audio device (e.g., "portaudio", "mock").
	Backend string `yaml:"backend"`

	// InputSampleRate is the capture rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per outbound frame.
	FrameSize int `yaml:"frame_size"`

	// OutputBuffer is the device callback size in frames for playback.
	OutputBuffer int `yaml:"output_buffer"`

	// Gain is the master output gain. Zero means unity.
	Gain float64 `yaml:"gain"`
}
