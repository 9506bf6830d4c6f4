package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/cortexuvula/dashsync/internal/health"
	"github.com/cortexuvula/dashsync/internal/hub"
	"github.com/cortexuvula/dashsync/internal/metrics"
	"github.com/cortexuvula/dashsync/internal/security"
)

func runServe(configPath string, verbose bool) error {
	cfg, lj, err := loadConfig(configPath, verbose)
	if err != nil {
		return err
	}
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting dashsync hub",
		"version", Version,
		"listen", cfg.Hub.ListenAddress,
		"health", cfg.Health.ListenAddress,
	)

	var rl *security.RateLimiter
	if cfg.Hub.RateLimit.Enabled {
		rl = security.PerMinute(cfg.Hub.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Hub.RateLimit.ConnectionsPerMinute,
			"messages_per_second", cfg.Hub.RateLimit.MessagesPerSecond,
		)
	}

	var m *metrics.Hub
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.NewHub(nil)
	}

	h, err := hub.New(cfg, rl, m)
	if err != nil {
		return err
	}
	defer h.Close()

	hubServer := &http.Server{
		Addr:              cfg.Hub.ListenAddress,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthHandler := health.NewHandler(Version, cfg.Health.Detailed)
	healthHandler.SetHub(h.Stats)
	healthServer := startHealthServer(cfg, healthHandler)

	go func() {
		slog.Info("hub listening", "address", cfg.Hub.ListenAddress)
		if err := hubServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("hub server error", "error", err)
		}
	}()

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	notifySystemd(watchdogCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			cfg = reloadLogging(configPath, cfg)
			h.UpdateConfig(cfg)
			if cfg.Hub.RateLimit.Enabled && rl != nil {
				cpm := cfg.Hub.RateLimit.ConnectionsPerMinute
				rl.UpdateRate(rate.Limit(float64(cpm)/60.0), cpm)
			}
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Hub.DrainTimeout.String(),
			)
			watchdogCancel()

			// Close frames go out first; Shutdown does not track hijacked connections.
			h.StartDrain()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Hub.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				hubServer.Shutdown(ctx)
			}()
			wg.Wait()

			slog.Info("shutdown complete", "stats", h.Stats())
			return nil
		}
	}
	return nil
}
