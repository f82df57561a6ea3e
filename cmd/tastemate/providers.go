package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/tastemate/internal/app"
	"github.com/MrWong99/tastemate/internal/config"
	"github.com/MrWong99/tastemate/internal/observe"
	"github.com/MrWong99/tastemate/internal/resilience"
	"github.com/MrWong99/tastemate/pkg/audio"
	"github.com/MrWong99/tastemate/pkg/audio/miniaudio"
	"github.com/MrWong99/tastemate/pkg/audio/wavfile"
	providerlive "github.com/MrWong99/tastemate/pkg/provider/live"
	geminilive "github.com/MrWong99/tastemate/pkg/provider/live/gemini"
	oairealtime "github.com/MrWong99/tastemate/pkg/provider/live/openai"
	"github.com/MrWong99/tastemate/pkg/provider/llm"
	"github.com/MrWong99/tastemate/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/tastemate/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives its config block and constructs the implementation.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through openai-go for native JSON schemas. Every other
	// any-llm backend takes an optional key and base URL; local servers
	// such as ollama simply leave the key empty.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		return oaillm.New(apiKey(entry, "OPENAI_API_KEY"), entry.Model, opts...)
	})

	for _, backend := range anyllm.Supported() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (providerlive.Transport, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		key := apiKey(entry, "GEMINI_API_KEY")
		if key == "" {
			return nil, errors.New("gemini-live: api_key or GEMINI_API_KEY is required")
		}
		return geminilive.New(key, opts...), nil
	})

	reg.RegisterLive("openai-realtime", func(entry config.ProviderEntry) (providerlive.Transport, error) {
		var opts []oairealtime.Option
		if entry.Model != "" {
			opts = append(opts, oairealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(entry.BaseURL))
		}
		key := apiKey(entry, "OPENAI_API_KEY")
		if key == "" {
			return nil, errors.New("openai-realtime: api_key or OPENAI_API_KEY is required")
		}
		return oairealtime.New(key, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio(config.AudioMiniaudio, func(config.LiveConfig) (audio.Devices, error) {
		return miniaudio.New()
	})

	reg.RegisterAudio(config.AudioWAVFile, func(lc config.LiveConfig) (audio.Devices, error) {
		return wavfile.New(lc.InputFile, lc.OutputFile, wavfile.WithLoop(lc.LoopInput)), nil
	})

	for _, kind := range []string{"llm", "live", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
// The text model is wrapped in a circuit-breaking failover when
// fallbacks are configured. Voice needs both a transport and audio devices,
// so the audio backend is only opened when a live provider is set.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", name)
		ps.LLM = p

		if len(cfg.Providers.LLMFallbacks) > 0 {
			fo := resilience.NewLLMFailover(name, p,
				resilience.WithBreaker(resilience.BreakerConfig{MaxFailures: 3, Cooldown: 30 * time.Second}),
				resilience.WithMetrics(observe.DefaultMetrics()),
			)
			for _, entry := range cfg.Providers.LLMFallbacks {
				alt, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
				}
				fo.Add(entry.Name, alt)
				slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name)
			}
			ps.LLM = fo
		}
	}

	if name := cfg.Providers.Live.Name; name != "" {
		t, err := reg.CreateLive(cfg.Providers.Live)
		if err != nil {
			return nil, fmt.Errorf("create live provider %q: %w", name, err)
		}
		d, err := reg.CreateAudio(cfg.Live)
		if err != nil {
			return nil, fmt.Errorf("create audio backend %q: %w", cfg.Live.AudioBackend, err)
		}
		ps.Live, ps.Audio = t, d
		slog.Info("provider created", "kind", "live", "name", name, "audio", cfg.Live.AudioBackend)
	}

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// apiKey returns entry.APIKey, falling back to the environment variable env.
func apiKey(entry config.ProviderEntry, env string) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv(env)
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optDuration parses a Go duration string ("30s") from Options.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
