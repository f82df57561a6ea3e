package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/tastemate/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":8080"},
		Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "gemini"}},
		Live:      config.LiveConfig{Voice: "Kore", AudioBackend: config.AudioMiniaudio},
		Profile:   config.ProfileConfig{Backend: config.ProfileFile, Path: "p.json", ID: "default"},
		History:   config.HistoryConfig{Limit: 20},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.HasChanges() {
		t.Errorf("expected no changes, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Live.Voice = "Puck"
	new.Live.InputTranscription = true
	new.History.Limit = 5

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: %+v", d)
	}
	if !d.VoiceChanged || d.NewVoice != "Puck" {
		t.Errorf("voice: %+v", d)
	}
	if !d.TranscriptionChanged {
		t.Error("TranscriptionChanged = false")
	}
	if !d.HistoryLimitChanged || d.NewHistoryLimit != 5 {
		t.Errorf("history limit: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("hot-reloadable changes should not need a restart: %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9090"
	new.Providers.LLM.Model = "gemini-2.5-pro"
	new.Live.AudioBackend = config.AudioWAVFile
	new.Profile.Backend = config.ProfilePostgres
	new.History.PostgresDSN = "postgres://x"

	d := config.Diff(old, new)
	if d.HasChanges() {
		t.Errorf("no hot-reloadable change expected: %+v", d)
	}
	want := []string{"server", "providers", "live", "profile", "history"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}
