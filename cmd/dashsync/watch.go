package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cortexuvula/dashsync/internal/config"
	"github.com/cortexuvula/dashsync/internal/health"
	"github.com/cortexuvula/dashsync/internal/metrics"
	"github.com/cortexuvula/dashsync/internal/protocol"
	"github.com/cortexuvula/dashsync/internal/push"
	"github.com/cortexuvula/dashsync/internal/realtime"
	"github.com/cortexuvula/dashsync/internal/session"
)

func runWatch(configPath string, verbose bool, token string, withPush bool) error {
	cfg, lj, err := loadConfig(configPath, verbose)
	if err != nil {
		return err
	}
	if lj != nil {
		defer lj.Close()
	}
	if token != "" {
		cfg.Client.Token = token
	}
	if cfg.Client.Token == "" {
		return errors.New("no credential: set client.token, DASHSYNC_CLIENT_TOKEN or --token")
	}

	slog.Info("starting dashsync watch",
		"version", Version,
		"server", cfg.Client.ServerURL,
		"api", cfg.Client.APIURL,
		"rooms", cfg.Client.Rooms,
	)

	opts := session.Options{Trace: traceEvent}
	if cfg.Monitoring.MetricsEnabled {
		opts.Metrics = metrics.NewClient(nil)
	}
	var platform *push.DesktopPlatform
	if cfg.Push.Enabled {
		platform = desktopPlatform(cfg)
		opts.Platform = platform
	}

	s, err := session.New(cfg, cfg.Client.Token, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if platform != nil {
		realtime.Handle(s.Manager, protocol.EventNotification, func(n protocol.Notification) {
			if platform.Permission() != push.PermissionGranted {
				return
			}
			if err := platform.ShowNotification(n.Title, n.Message); err != nil {
				slog.Warn("desktop notification failed", "id", n.ID, "error", err)
			}
		})
	}

	healthHandler := health.NewHandler(Version, cfg.Health.Detailed)
	healthHandler.SetSession(s.Snapshot)
	healthServer := startHealthServer(cfg, healthHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		if errors.Is(err, realtime.ErrUnauthorized) {
			return err
		}
		slog.Warn("initial connect failed, retrying in the background", "error", err)
	}

	if withPush {
		if s.Push == nil {
			slog.Warn("--push ignored: push.enabled is false")
		} else if sub, err := s.Push.Subscribe(ctx, cfg.Client.Token); err != nil {
			slog.Error("push subscribe failed", "error", err)
		} else {
			slog.Info("push subscription active", "endpoint", sub.Endpoint)
			defer func() {
				if err := s.Push.Unsubscribe(context.Background(), cfg.Client.Token); err != nil {
					slog.Warn("push unsubscribe failed", "error", err)
				}
			}()
		}
	}

	notifySystemd(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading logging config")
			cfg = reloadLogging(configPath, cfg)
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal", "signal", sig.String())
			cancel()
			if healthServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Notifications.FetchTimeout)
				healthServer.Shutdown(shutdownCtx)
				shutdownCancel()
			}
			slog.Info("shutdown complete")
			return nil
		}
	}
	return nil
}

// traceEvent logs one inbound domain event.
func traceEvent(env protocol.Envelope) {
	slog.Info("event", "event", env.Event, "data", string(env.Data))
}

func desktopPlatform(cfg *config.Config) *push.DesktopPlatform {
	return push.NewDesktopPlatform(push.DesktopOptions{
		Endpoint: cfg.Push.Endpoint,
		Icon:     cfg.Push.Icon,
		Prompter: push.LinePrompter{In: os.Stdin, Out: os.Stdout},
	})
}
