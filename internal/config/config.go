// Package config provides the configuration schema, loader, and provider registry
// for the Tastemate companion.
package config

import "log/slog"

// LogLevel controls log verbosity.
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

// SlogLevel converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Audio backends for [LiveConfig.AudioBackend].
const (
	AudioMiniaudio = "miniaudio"
	AudioWAVFile   = "wavfile"
)

// Profile backends for [ProfileConfig.Backend].
const (
	ProfileFile     = "file"
	ProfilePostgres = "postgres"
	ProfileS3       = "s3"
)

// Config is the root configuration structure for Tastemate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Live      LiveConfig      `yaml:"live"`
	Profile   ProfileConfig   `yaml:"profile"`
	History   HistoryConfig   `yaml:"history"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	// Empty disables the API in serve mode.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" validate:"required"`
	KeyFile  string `yaml:"key_file" validate:"required"`
}

// ProvidersConfig selects the text model, its fallbacks, and the realtime
// voice transport. Each Name is looked up in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary text model fails or
	// its circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks" validate:"dive"`

	Live ProviderEntry `yaml:"live"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any. When
	// empty, providers fall back to their usual environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// LiveConfig configures the realtime voice session.
type LiveConfig struct {
	// Voice is the prebuilt voice name. Defaults to "Kore".
	Voice string `yaml:"voice"`

	// AudioBackend selects the device implementation: miniaudio for real
	// hardware, wavfile for headless runs.
	AudioBackend string `yaml:"audio_backend" validate:"omitempty,oneof=miniaudio wavfile"`

	// InputFile and OutputFile are the WAV paths used by the wavfile backend.
	InputFile  string `yaml:"input_file"`
	OutputFile string `yaml:"output_file"`

	// LoopInput replays InputFile until the session stops.
	LoopInput bool `yaml:"loop_input"`

	// InputTranscription asks the service to transcribe the user's speech too.
	InputTranscription bool `yaml:"input_transcription"`
}

// ProfileConfig selects where the user profile is persisted.
type ProfileConfig struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=file postgres s3"`

	// ID identifies the profile row or object. Defaults to "default".
	ID string `yaml:"id"`

	// Path is the JSON file used by the file backend.
	Path string `yaml:"path"`

	// PostgresDSN is used by the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	S3 S3Config `yaml:"s3"`
}

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// HistoryConfig configures the conversation log.
type HistoryConfig struct {
	// PostgresDSN stores history in PostgreSQL. Empty keeps it in memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Limit is how many past entries are sent with each chat message.
	Limit int `yaml:"limit" validate:"gte=0,lte=500"`

	// MaxEntries caps the in-memory log. 0 keeps everything.
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`
}
