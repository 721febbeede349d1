package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"openai", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields that have a sensible default.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8000"
	}
	if cfg.Server.WebsocketPath == "" {
		cfg.Server.WebsocketPath = "/ws"
	}
	if cfg.Devices.Dir == "" {
		cfg.Devices.Dir = "devices"
	}
	if cfg.Media.FFmpegPath == "" {
		cfg.Media.FFmpegPath = "ffmpeg"
	}
	applyVolumeDefaults(&cfg.Devices.Defaults.Volume)
}

func applyVolumeDefaults(v *VolumeConfig) {
	if v.Default == 0 {
		v.Default = 70
	}
	if v.Max == 0 {
		v.Max = 100
	}
	if v.Step == 0 {
		v.Step = 10
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM, "stt": cfg.Providers.STT, "tts": cfg.Providers.TTS,
	} {
		if entry.Fallback != nil {
			validateProviderName(kind, entry.Fallback.Name)
		}
	}

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; devices will not receive spoken replies")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; device speech will not be transcribed")
	}

	if err := validateVolume("devices.defaults.volume", cfg.Devices.Defaults.Volume); err != nil {
		errs = append(errs, err)
	}

	if cfg.Media.SearchURL == "" {
		slog.Warn("media.search_url is empty; song search will not be available")
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; conversations will not be persisted")
	}

	return errors.Join(errs...)
}

// validateVolume checks that a volume block is internally consistent.
func validateVolume(prefix string, v VolumeConfig) error {
	var errs []error
	for name, val := range map[string]int{"default": v.Default, "min": v.Min, "max": v.Max} {
		if val < 0 || val > 100 {
			errs = append(errs, fmt.Errorf("%s.%s %d is out of range [0, 100]", prefix, name, val))
		}
	}
	if v.Min > v.Max {
		errs = append(errs, fmt.Errorf("%s: min %d exceeds max %d", prefix, v.Min, v.Max))
	}
	if v.Default < v.Min || v.Default > v.Max {
		errs = append(errs, fmt.Errorf("%s: default %d is outside [min %d, max %d]", prefix, v.Default, v.Min, v.Max))
	}
	if v.Step <= 0 {
		errs = append(errs, fmt.Errorf("%s.step %d must be positive", prefix, v.Step))
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
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
