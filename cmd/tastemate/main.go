// Command tastemate runs the Tastemate companion: the HTTP API, a voice
// session, a terminal chat, or a one-shot insights report.
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

	"github.com/MrWong99/tastemate/internal/app"
	"github.com/MrWong99/tastemate/internal/config"
	"github.com/MrWong99/tastemate/internal/observe"
)

// Run modes for -mode.
const (
	modeServe    = "serve"
	modeVoice    = "voice"
	modeChat     = "chat"
	modeInsights = "insights"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", modeServe, "run mode: serve, voice, chat or insights")
	flag.Parse()

	switch *mode {
	case modeServe, modeVoice, modeChat, modeInsights:
	default:
		fmt.Fprintf(os.Stderr, "tastemate: unknown mode %q\n", *mode)
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tastemate: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tastemate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("tastemate starting",
		"config", *configPath,
		"mode", *mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "tastemate"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	if *mode == modeServe {
		printStartupSummary(cfg)
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(level),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	switch *mode {
	case modeVoice:
		err = runVoice(ctx, application, os.Stdout)
	case modeChat:
		err = runChat(ctx, application, os.Stdin, os.Stdout)
	case modeInsights:
		err = runInsights(ctx, application, os.Stdout)
	default:
		err = runServe(ctx, application, *configPath)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runServe serves the HTTP API and reloads the config file on change.
func runServe(ctx context.Context, a *app.App, configPath string) error {
	w, err := config.NewWatcher(configPath, a.ApplyDiff)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		watchCtx, stop := context.WithCancel(ctx)
		defer stop()
		go w.Run(watchCtx)
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	return a.Run(ctx)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Tastemate startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.LLMFallbacks))
	printProvider("Live", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printProvider("Audio", cfg.Live.AudioBackend, "")
	printProvider("Voice", cfg.Live.Voice, "")
	printProvider("Profile", cfg.Profile.Backend, cfg.Profile.ID)
	history := "memory"
	if cfg.History.PostgresDSN != "" {
		history = "postgres"
	}
	printProvider("History", history, "")
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
