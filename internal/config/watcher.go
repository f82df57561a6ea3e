package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher reloads a config file when its contents change and hands the
// hot-reloadable part of the change to a callback. Invalid edits are logged
// and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(ConfigDiff, *Config)
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
}

// fileStamp is compared before reading the file at all.
type fileStamp struct {
	mod  time.Time
	size int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often [Watcher.Run] polls. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path once and returns a watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange func(ConfigDiff, *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, onChange: onChange, logger: slog.Default()}
	for _, o := range opts {
		o(w)
	}
	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Check(); err != nil {
				w.logger.Warn("config reload failed; keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Check reloads the file now if it changed. It returns the diff against the
// previous config, which is empty when nothing changed. The callback runs only
// for diffs with hot-reloadable changes.
func (w *Watcher) Check() (ConfigDiff, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return ConfigDiff{}, err
	}
	w.mu.Lock()
	unchanged := w.stamp == fileStamp{mod: info.ModTime(), size: info.Size()}
	w.mu.Unlock()
	if unchanged {
		return ConfigDiff{}, nil
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	w.stamp = stamp
	if sum == w.sum {
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	d := Diff(old, cfg)
	if len(d.RestartRequired) > 0 {
		w.logger.Warn("config sections changed that only apply after a restart", "path", w.path, "sections", d.RestartRequired)
	}
	if d.HasChanges() {
		w.logger.Info("config reloaded", "path", w.path)
		if w.onChange != nil {
			w.onChange(d, cfg)
		}
	}
	return d, nil
}

func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	return cfg, fileStamp{mod: info.ModTime(), size: info.Size()}, sha256.Sum256(data), nil
}
