// deploy-agent is the node-local blue/green deployment agent.
//
// It owns the migration lifecycle for one host: gradual traffic shifts
// through the reverse proxy, health-gated progression, automatic rollback,
// and the durable active-environment record. A small JSON HTTP surface
// exposes switch/rollback/status operations to operators and CI.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/bluegreen-deploy/agent/internal/archive"
	"github.com/bluegreen-deploy/agent/internal/config"
	"github.com/bluegreen-deploy/agent/internal/envstore"
	"github.com/bluegreen-deploy/agent/internal/health"
	"github.com/bluegreen-deploy/agent/internal/metrics"
	"github.com/bluegreen-deploy/agent/internal/migration"
	"github.com/bluegreen-deploy/agent/internal/proxy"
	"github.com/bluegreen-deploy/agent/internal/server"
	"github.com/bluegreen-deploy/agent/internal/traffic"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("deploy agent starting", "version", cfg.Version, "listen", cfg.ListenAddress)

	for _, p := range []string{cfg.StateFile, cfg.HealthLogFile, cfg.ControlFile, cfg.WeightsFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Proxy integration: validation and reload commands plus the two files
	// the proxy includes (active-environment directive, upstream weights).
	validator := &proxy.CommandValidator{Command: cfg.ValidateCommand, Logger: logger}
	reloader := &proxy.CommandReloader{Command: cfg.ReloadCommand, Logger: logger}

	envs := envstore.New(cfg.ControlFile, cfg.DirectiveFormat, validator, reloader, logger)

	weighter := &proxy.FileWeighter{
		Path: cfg.WeightsFile,
		PortFor: func(env envstore.Environment) int {
			return cfg.PortFor(string(env))
		},
		Reloader: reloader,
		Logger:   logger,
	}
	shifter := traffic.New(weighter, logger)

	probe := health.NewProbe(
		health.ProbeConfig{
			Timeout:        cfg.ProbeTimeout,
			LatencyCeiling: cfg.LatencyCeiling,
			LatencyGates:   cfg.LatencyGates,
		},
		&health.TCPChecker{
			Addr: func(env envstore.Environment) string {
				return net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.PortFor(string(env))))
			},
			Timeout: cfg.ProbeTimeout,
		},
		func(env envstore.Environment) string {
			return cfg.HealthURL(string(env))
		},
		logger,
	)
	monitor := health.NewMonitor(health.MonitorConfig{
		Interval:        cfg.MonitorInterval,
		HistoryCapacity: cfg.HistoryCapacity,
		LogPath:         cfg.HealthLogFile,
	}, probe, envs, logger)

	store := migration.NewStateStore(cfg.StateFile, logger)
	ctrl, err := migration.NewController(migration.Config{
		Steps:          cfg.StepPercentages,
		SettleInterval: cfg.SettleInterval,
	}, store, monitor, shifter, envs, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	monitor.OnVerdict = func(v health.Verdict) {
		m.ObserveVerdict(v)
		m.SetHistorySize(monitor.Summary().Total)
	}
	shifter.OnChange = m.ObserveSplit
	ctrl.OnStart = func(migration.State) { m.MigrationStarted() }
	ctrl.OnTerminal = func(s migration.State) { m.MigrationFinished(string(s.Status)) }

	if cfg.ArchiveBucket != "" {
		uploader, err := archive.NewUploader(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix, logger)
		if err != nil {
			return err
		}
		onTerminal := ctrl.OnTerminal
		ctrl.OnTerminal = func(s migration.State) {
			onTerminal(s)
			uploadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			b := archive.Bundle{State: s, Health: monitor.Recent(20)}
			if err := uploader.Upload(uploadCtx, b); err != nil {
				logger.Error("archiving migration bundle failed", "id", s.ID, "error", err)
			}
		}
	}

	go monitor.Run(ctx)
	go func() {
		if err := envs.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("control file watch stopped", "error", err)
		}
	}()

	srv := server.New(ctrl, monitor, shifter, m.Handler(), cfg.Version, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
