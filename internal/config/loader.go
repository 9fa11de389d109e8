package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "openai-realtime"},
	"audio": {"portaudio", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. An empty path yields the defaults alone.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg, Validate(cfg)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE pairs from the given dotenv files (".env" when none
// are given) into the process environment. Variables already set win. Missing
// files are not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
	}
	return nil
}

// Credential returns the provider API key: the inline value if set, else the
// environment variable named by APIKeyEnv. An empty result means no
// credential is configured.
func (e ProviderEntry) Credential() string {
	if e.APIKey != "" {
		return e.APIKey
	}
	name := e.APIKeyEnv
	if name == "" {
		name = DefaultAPIKeyEnv
	}
	return os.Getenv(name)
}

// ApplyDefaults fills every zero-valued field with the built-in default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "text"
	}

	a := &cfg.Assistant
	if a.Provider.Name == "" {
		a.Provider.Name = DefaultProvider
	}
	if a.Provider.APIKeyEnv == "" {
		a.Provider.APIKeyEnv = DefaultAPIKeyEnv
	}
	if a.Provider.Model == "" && a.Provider.Name == DefaultProvider {
		a.Provider.Model = DefaultModel
	}
	if a.Voice == "" && a.Provider.Name == DefaultProvider {
		a.Voice = DefaultVoice
	}
	if a.Instructions == "" {
		a.Instructions = DefaultInstructions
	}
	if len(a.ResponseModalities) == 0 {
		a.ResponseModalities = []string{"AUDIO"}
	}
	if a.SettleDelay == 0 {
		a.SettleDelay = DefaultSettleDelay
	}
	for i := range a.Fallbacks {
		if a.Fallbacks[i].APIKeyEnv == "" {
			a.Fallbacks[i].APIKeyEnv = DefaultAPIKeyEnv
		}
	}

	au := &cfg.Audio
	if au.Backend == "" {
		au.Backend = DefaultAudioBackend
	}
	if au.InputSampleRate == 0 {
		au.InputSampleRate = DefaultInputSampleRate
	}
	if au.OutputSampleRate == 0 {
		au.OutputSampleRate = DefaultOutputSampleRate
	}
	if au.FrameSize == 0 {
		au.FrameSize = DefaultFrameSize
	}
	if au.OutputBuffer == 0 {
		au.OutputBuffer = DefaultOutputBuffer
	}
	if au.Gain == 0 {
		au.Gain = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if f := cfg.Server.LogFormat; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", f))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("s2s", cfg.Assistant.Provider.Name)
	validateProviderName("audio", cfg.Audio.Backend)

	for i, fb := range cfg.Assistant.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("assistant.fallbacks[%d].name is required", i))
			continue
		}
		if fb.Name == cfg.Assistant.Provider.Name {
			errs = append(errs, fmt.Errorf("assistant.fallbacks[%d] repeats the primary provider %q", i, fb.Name))
		}
		validateProviderName("s2s", fb.Name)
	}
	if cb := cfg.Assistant.CircuitBreaker; cb.MaxFailures < 0 || cb.Cooldown < 0 {
		errs = append(errs, errors.New("assistant.circuit_breaker values must not be negative"))
	}

	if cfg.Assistant.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("assistant.settle_delay %v must not be negative", cfg.Assistant.SettleDelay))
	}

	// Audio
	if r := cfg.Audio.InputSampleRate; r < 0 || (r > 0 && r < 8000) {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, ...)", r))
	}
	if r := cfg.Audio.OutputSampleRate; r < 0 || (r > 0 && r < 8000) {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [8000, ...)", r))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer %d must be positive", cfg.Audio.OutputBuffer))
	}
	if g := cfg.Audio.Gain; g < 0 || g > 4 {
		errs = append(errs, fmt.Errorf("audio.gain %.2f is out of range [0, 4]", g))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
