// Package app wires the Tastemate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the stores, the
// companion service, the voice session and the HTTP server; Run serves until
// the context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject stores via functional options (WithProfileStore,
// WithHistoryStore). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tastemate/internal/api"
	"github.com/MrWong99/tastemate/internal/companion"
	"github.com/MrWong99/tastemate/internal/config"
	"github.com/MrWong99/tastemate/internal/health"
	"github.com/MrWong99/tastemate/internal/live"
	"github.com/MrWong99/tastemate/internal/observe"
	"github.com/MrWong99/tastemate/pkg/audio"
	"github.com/MrWong99/tastemate/pkg/history"
	"github.com/MrWong99/tastemate/pkg/history/memstore"
	historypg "github.com/MrWong99/tastemate/pkg/history/postgres"
	"github.com/MrWong99/tastemate/pkg/profile"
	"github.com/MrWong99/tastemate/pkg/profile/filestore"
	profilepg "github.com/MrWong99/tastemate/pkg/profile/postgres"
	"github.com/MrWong99/tastemate/pkg/profile/s3store"
	providerlive "github.com/MrWong99/tastemate/pkg/provider/live"
	"github.com/MrWong99/tastemate/pkg/provider/llm"
)

// shutdownTimeout bounds the HTTP server drain when Run's context ends.
const shutdownTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM is the text model, wrapped in a failover when fallbacks are set.
	LLM   llm.Provider
	Live  providerlive.Transport
	Audio audio.Devices
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	profiles  profile.Store
	history   history.Store
	companion *companion.Service
	session   *live.Session
	server    *http.Server
	metrics   *observe.Metrics
	level     *slog.LevelVar

	metricsHandler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProfileStore injects a profile store instead of creating one from config.
func WithProfileStore(s profile.Store) Option {
	return func(a *App) { a.profiles = s }
}

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.ApplyDiff] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler mounts h at /metrics on the HTTP server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Subsystems whose
// providers are missing are left nil: no LLM means no companion, no live
// transport or audio backend means no voice session.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Profile store ─────────────────────────────────────────────────
	if err := a.initProfiles(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init profile store: %w", err)
	}

	// ── 2. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Companion ─────────────────────────────────────────────────────
	if providers.LLM != nil {
		a.companion = companion.New(providers.LLM,
			companion.WithHistory(a.history),
			companion.WithHistoryLimit(cfg.History.Limit),
			companion.WithProviderName(cfg.Providers.LLM.Name),
			companion.WithMetrics(a.metrics),
		)
	}

	// ── 4. Voice session ─────────────────────────────────────────────────
	if providers.Live != nil && providers.Audio != nil {
		a.session = live.New(providers.Live, providers.Audio,
			live.WithVoice(cfg.Live.Voice),
			live.WithModel(cfg.Providers.Live.Model),
			live.WithInputTranscription(cfg.Live.InputTranscription),
			live.WithHistory(a.history),
			live.WithMetrics(a.metrics),
		)
	}

	// ── 5. HTTP server ───────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.newAPI().Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initProfiles(ctx context.Context) error {
	if a.profiles != nil {
		return nil
	}
	pc := a.cfg.Profile
	switch pc.Backend {
	case config.ProfilePostgres:
		s, err := profilepg.NewStore(ctx, pc.PostgresDSN, pc.ID)
		if err != nil {
			return err
		}
		a.profiles = s
		a.closers = append(a.closers, func() error { s.Close(); return nil })
	case config.ProfileS3:
		s, err := s3store.New(s3store.Config{
			Bucket:          pc.S3.Bucket,
			Endpoint:        pc.S3.Endpoint,
			Region:          pc.S3.Region,
			Prefix:          pc.S3.Prefix,
			AccessKeyID:     pc.S3.AccessKeyID,
			SecretAccessKey: pc.S3.SecretAccessKey,
		}, pc.ID)
		if err != nil {
			return err
		}
		a.profiles = s
	default:
		a.profiles = filestore.New(pc.Path)
	}
	slog.Info("profile store ready", "backend", pc.Backend, "id", pc.ID)
	return nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		s, err := historypg.NewStore(ctx, dsn, a.cfg.Profile.ID)
		if err != nil {
			return err
		}
		a.history = s
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		slog.Info("history store ready", "backend", "postgres")
		return nil
	}
	a.history = memstore.New(a.cfg.History.MaxEntries)
	slog.Info("history store ready", "backend", "memory", "max_entries", a.cfg.History.MaxEntries)
	return nil
}

func (a *App) newAPI() *api.Server {
	pinger := func(v any) health.Pinger {
		if p, ok := v.(health.Pinger); ok {
			return p
		}
		return nil
	}
	checks := health.New(
		health.Ping("profile_store", pinger(a.profiles)),
		health.Ping("history", pinger(a.history)),
		health.Ping("llm_circuits", pinger(a.providers.LLM)),
		health.Required("llm", "no text model configured", func() bool { return a.companion != nil }),
	)

	opts := []api.Option{
		api.WithHistory(a.history),
		api.WithHealth(checks),
		api.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(a.metricsHandler))
	}
	if a.session != nil {
		opts = append(opts, api.WithLiveSession(a.session))
	}
	// A typed nil *companion.Service must not reach the interface.
	var comp api.Companion
	if a.companion != nil {
		comp = a.companion
	}
	return api.New(a.profiles, comp, opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Profiles returns the profile store.
func (a *App) Profiles() profile.Store { return a.profiles }

// History returns the conversation log.
func (a *App) History() history.Store { return a.history }

// Companion returns the text companion, or nil when no LLM is configured.
func (a *App) Companion() *companion.Service { return a.companion }

// Session returns the voice session, or nil when voice is not configured.
func (a *App) Session() *live.Session { return a.session }

// Handler returns the HTTP handler, or nil when server.listen_addr is empty.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API until ctx is cancelled. Without a listen address it
// simply blocks until then. Run returns ctx.Err() after a clean stop.
func (a *App) Run(ctx context.Context) error {
	if a.server == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyDiff applies the hot-reloadable parts of a config change. Voice and
// transcription changes take effect with the next voice session.
func (a *App) ApplyDiff(d config.ConfigDiff, cfg *config.Config) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if a.session != nil {
		if d.VoiceChanged {
			a.session.SetVoice(d.NewVoice)
			slog.Info("voice changed", "voice", d.NewVoice)
		}
		if d.TranscriptionChanged {
			a.session.SetInputTranscription(cfg.Live.InputTranscription)
		}
	}
	if d.HistoryLimitChanged && a.companion != nil {
		a.companion.SetHistoryLimit(d.NewHistoryLimit)
		slog.Info("history limit changed", "limit", d.NewHistoryLimit)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the voice session, drains the HTTP server and closes the
// stores. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.session != nil {
			_ = a.session.Stop()
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs closers after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
