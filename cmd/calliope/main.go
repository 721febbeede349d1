// Command calliope is the main entry point for the Calliope voice assistant
// server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	oai "github.com/openai/openai-go"

	"github.com/aweiler/calliope/internal/app"
	"github.com/aweiler/calliope/internal/config"
	"github.com/aweiler/calliope/internal/observe"
	"github.com/aweiler/calliope/internal/resilience"
	"github.com/aweiler/calliope/pkg/infer"
	"github.com/aweiler/calliope/pkg/infer/anyllm"
	"github.com/aweiler/calliope/pkg/recog"
	"github.com/aweiler/calliope/pkg/recog/deepgram"
	"github.com/aweiler/calliope/pkg/synth"
	"github.com/aweiler/calliope/pkg/synth/elevenlabs"
	oaisynth "github.com/aweiler/calliope/pkg/synth/openai"
)

// version is stamped by the build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "calliope: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "calliope: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("calliope starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "calliope",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Hot-reload the log level on config file changes; anything else logs a
	// restart hint.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.RestartRequired {
			slog.Warn("config change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the provider factories that ship with
// Calliope into reg. Each factory receives a config.ProviderEntry and builds
// the provider from the corresponding adapter package.
func registerBuiltinProviders(reg *config.Registry) {
	// All any-llm backends share the same pattern: optional APIKey and
	// optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (infer.Engine, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (infer.Engine, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (recog.Engine, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (synth.Synthesizer, error) {
		var opts []oaisynth.Option
		if entry.Model != "" {
			opts = append(opts, oaisynth.WithModel(oai.SpeechModel(entry.Model)))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oaisynth.WithVoice(voice))
		}
		return oaisynth.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (synth.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// buildProviders instantiates the configured provider for each pipeline
// stage, wrapping it in a circuit-breaking failover group when a fallback
// entry is configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		},
	}

	stt, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	if fb := cfg.Providers.STT.Fallback; fb != nil {
		second, err := reg.CreateSTT(*fb)
		if err != nil {
			return nil, fmt.Errorf("stt fallback: %w", err)
		}
		group := resilience.NewRecogFallback(stt, cfg.Providers.STT.Name, fbCfg)
		group.AddFallback(fb.Name, second)
		stt = group
	}

	llm, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	if fb := cfg.Providers.LLM.Fallback; fb != nil {
		second, err := reg.CreateLLM(*fb)
		if err != nil {
			return nil, fmt.Errorf("llm fallback: %w", err)
		}
		group := resilience.NewInferFallback(llm, cfg.Providers.LLM.Name, fbCfg)
		group.AddFallback(fb.Name, second)
		llm = group
	}

	tts, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	if fb := cfg.Providers.TTS.Fallback; fb != nil {
		second, err := reg.CreateTTS(*fb)
		if err != nil {
			return nil, fmt.Errorf("tts fallback: %w", err)
		}
		group := resilience.NewSynthFallback(tts, cfg.Providers.TTS.Name, fbCfg)
		group.AddFallback(fb.Name, second)
		tts = group
	}

	return &app.Providers{STT: stt, LLM: llm, TTS: tts}, nil
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}
