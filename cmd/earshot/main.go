// Command earshot is the live call-audio relay server: it ingests framed
// audio from capture agents, decodes it, and broadcasts it to authorized
// monitoring viewers over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/earshot-live/earshot/internal/admission"
	"github.com/earshot-live/earshot/internal/broadcast"
	"github.com/earshot-live/earshot/internal/config"
	"github.com/earshot-live/earshot/internal/health"
	"github.com/earshot-live/earshot/internal/observe"
	"github.com/earshot-live/earshot/internal/registry"
	"github.com/earshot-live/earshot/internal/resilience"
	"github.com/earshot-live/earshot/internal/server"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Admission ─────────────────────────────────────────────────────────────
	gateOpts := []admission.Option{
		admission.WithLogger(logger),
		admission.WithMetrics(metrics),
	}
	var (
		resolver    admission.Resolver
		readyChecks []health.Checker
	)
	switch cfg.Auth.Mode {
	case config.AuthPostgres:
		store, err := admission.NewStore(ctx, cfg.Auth.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect the auth store", "err", err)
			return 1
		}
		defer store.Close()

		// One breaker guards both lookup paths into the store, so a dead
		// database refuses handshakes fast instead of stalling them.
		breaker := resilience.New(resilience.Config{Name: "auth_store"},
			resilience.WithLogger(logger))
		resolver = admission.GuardResolver(store, breaker)
		gateOpts = append(gateOpts, admission.WithTeamDirectory(admission.GuardDirectory(store, breaker)))
		readyChecks = append(readyChecks, health.Checker{Name: "auth_store", Check: store.Ping})
		slog.Info("admission store connected")

	default:
		static := admission.NewStatic(cfg.StaticTokens())
		resolver = static

		// Token table and log level follow the config file while running.
		watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
			d := config.Diff(old, next)
			if d.TokensChanged {
				static.Replace(next.StaticTokens())
				slog.Info("auth tokens reloaded",
					"added", d.TokensAdded, "removed", d.TokensRemoved, "updated", d.TokensUpdated)
			}
			if d.LogLevelChanged {
				logLevel.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
		})
		if err != nil {
			slog.Error("failed to start the config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		slog.Info("static admission ready", "tokens", static.Len())
	}
	gate := admission.NewGate(resolver, gateOpts...)

	// ── Core subsystems ───────────────────────────────────────────────────────
	reg := registry.New(registry.Config{
		MaxSessions: cfg.Ingest.MaxSessions,
		IdleTimeout: time.Duration(cfg.Ingest.SessionIdleTimeout),
	}, registry.WithLogger(logger), registry.WithMetrics(metrics))

	router := broadcast.NewRouter(
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(metrics),
	)

	srv := server.New(cfg, gate, reg, router,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithReadyChecks(readyChecks...),
	)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║        Earshot — startup summary       ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(plain)")
	}
	if cfg.Auth.Mode == config.AuthPostgres {
		printRow("Auth mode", "postgres")
	} else {
		printRow("Auth mode", fmt.Sprintf("static (%d tokens)", len(cfg.Auth.Tokens)))
	}
	printRow("Max sessions", strconv.Itoa(cfg.Ingest.MaxSessions))
	printRow("Idle timeout", cfg.Ingest.SessionIdleTimeout.String())
	printRow("Viewer buffer", fmt.Sprintf("%d units", cfg.Broadcast.SubscriberBuffer))
	printRow("Service name", cfg.Observe.ServiceName)
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger with a swappable level so that config
// hot reload can change verbosity without restarting.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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
