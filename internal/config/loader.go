package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultVoice        = "Kore"
	DefaultProfileID    = "default"
	DefaultProfilePath  = "tastemate-profile.json"
	DefaultHistoryLimit = 20
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":  {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"live": {"gemini-live", "openai-realtime"},
}

// validate is shared because validator caches struct metadata.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report YAML paths instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. An empty document yields the default configuration.
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

// ApplyDefaults fills zero-valued fields that have a sensible default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.Voice == "" {
		cfg.Live.Voice = DefaultVoice
	}
	if cfg.Live.AudioBackend == "" {
		cfg.Live.AudioBackend = AudioMiniaudio
	}
	if cfg.Profile.Backend == "" {
		cfg.Profile.Backend = ProfileFile
	}
	if cfg.Profile.ID == "" {
		cfg.Profile.ID = DefaultProfileID
	}
	if cfg.Profile.Backend == ProfileFile && cfg.Profile.Path == "" {
		cfg.Profile.Path = DefaultProfilePath
	}
	if cfg.History.Limit == 0 {
		cfg.History.Limit = DefaultHistoryLimit
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("live", cfg.Providers.Live.Name)

	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm to be configured"))
	}

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; chat and insights will be unavailable")
	}
	if cfg.Providers.Live.Name == "" {
		slog.Warn("providers.live is not configured; voice sessions will be unavailable")
	}

	// Audio backend ↔ files
	if cfg.Live.AudioBackend == AudioWAVFile {
		if cfg.Live.InputFile == "" {
			errs = append(errs, errors.New("live.input_file is required when live.audio_backend is wavfile"))
		}
		if cfg.Live.OutputFile == "" {
			errs = append(errs, errors.New("live.output_file is required when live.audio_backend is wavfile"))
		}
	}

	// Profile backend ↔ settings
	switch cfg.Profile.Backend {
	case ProfilePostgres:
		if cfg.Profile.PostgresDSN == "" {
			errs = append(errs, errors.New("profile.postgres_dsn is required when profile.backend is postgres"))
		}
	case ProfileS3:
		if cfg.Profile.S3.Bucket == "" {
			errs = append(errs, errors.New("profile.s3.bucket is required when profile.backend is s3"))
		}
		if (cfg.Profile.S3.AccessKeyID == "") != (cfg.Profile.S3.SecretAccessKey == "") {
			errs = append(errs, errors.New("profile.s3.access_key_id and profile.s3.secret_access_key must be set together"))
		}
	}

	return errors.Join(errs...)
}

// fieldError turns a validator failure into a message naming the YAML path.
func fieldError(fe validator.FieldError) error {
	// Namespace is "Config.server.log_level"; drop the root type.
	_, path, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "oneof":
		return fmt.Errorf("%s %q is invalid; valid values: %s", path, fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "required":
		return fmt.Errorf("%s is required", path)
	case "url":
		return fmt.Errorf("%s %q is not a valid URL", path, fe.Value())
	case "gte", "lte":
		return fmt.Errorf("%s %v is out of range (%s %s)", path, fe.Value(), fe.Tag(), fe.Param())
	default:
		return fmt.Errorf("%s failed %q validation", path, fe.Tag())
	}
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
