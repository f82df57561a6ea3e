package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Fields that can be applied at runtime are tracked individually; everything
// else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged and TranscriptionChanged apply to the next voice session.
	VoiceChanged         bool
	NewVoice             string
	TranscriptionChanged bool

	HistoryLimitChanged bool
	NewHistoryLimit     int

	// RestartRequired names top-level sections whose changes only take effect
	// after a restart (e.g. "providers", "profile").
	RestartRequired []string
}

// HasChanges reports whether any hot-reloadable field changed.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.TranscriptionChanged || d.HistoryLimitChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Live.Voice != new.Live.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Live.Voice
	}
	if old.Live.InputTranscription != new.Live.InputTranscription {
		d.TranscriptionChanged = true
	}
	if old.History.Limit != new.History.Limit {
		d.HistoryLimitChanged = true
		d.NewHistoryLimit = new.History.Limit
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	oldLive, newLive := old.Live, new.Live
	oldLive.Voice, newLive.Voice = "", ""
	oldLive.InputTranscription, newLive.InputTranscription = false, false
	if oldLive != newLive {
		d.RestartRequired = append(d.RestartRequired, "live")
	}
	if old.Profile != new.Profile {
		d.RestartRequired = append(d.RestartRequired, "profile")
	}
	if old.History.PostgresDSN != new.History.PostgresDSN || old.History.MaxEntries != new.History.MaxEntries {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}
