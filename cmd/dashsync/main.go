package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cortexuvula/dashsync/internal/config"
	"github.com/cortexuvula/dashsync/internal/health"
	"github.com/cortexuvula/dashsync/internal/logging"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "dashsync",
		Short:        "Realtime sync client and development hub for the dashboard event server",
		SilenceUsage: true,
	}

	var configPath string
	var verbose bool
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var token string
	var withPush bool
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a headless client session and log every inbound event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(configPath, verbose, token, withPush)
		},
	}
	watchCmd.Flags().StringVar(&token, "token", "", "Bearer credential (overrides client.token)")
	watchCmd.Flags().BoolVar(&withPush, "push", false, "Subscribe to push for the lifetime of the session")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development event hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, verbose)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dashsync %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Server: %s\n", cfg.Client.ServerURL)
			fmt.Printf("  API: %s\n", cfg.Client.APIURL)
			fmt.Printf("  Rooms: %v\n", cfg.Client.Rooms)
			fmt.Printf("  Hub listen: %s\n", cfg.Hub.ListenAddress)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Push enabled: %v\n", cfg.Push.Enabled)
			return nil
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8091/health", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file for the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(watchCmd, serveCmd, newPushCmd(&configPath, &verbose), versionCmd, validateCmd, healthCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration and sets up logging. The returned closer
// is non-nil when logs go to a rotated file.
func loadConfig(configPath string, verbose bool) (*config.Config, *lumberjack.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, logging.Setup(cfg.Logging), nil
}

// reloadLogging re-reads configPath and applies its log level and format.
func reloadLogging(configPath string, cfg *config.Config) *config.Config {
	newCfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return cfg
	}
	for _, w := range config.IsReloadSafe(cfg, newCfg) {
		slog.Warn("config reload warning", "warning", w)
	}
	cfg = cfg.ApplyReloadableFields(newCfg)
	logging.Setup(cfg.Logging)
	return cfg
}

// startHealthServer serves the health handler and, when enabled, the
// Prometheus endpoint on the loopback health listener.
func startHealthServer(cfg *config.Config, h *health.Handler) *http.Server {
	if !cfg.Health.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Health.Endpoint, h)
	if cfg.Monitoring.MetricsEnabled {
		mux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}
	srv := &http.Server{
		Addr:              cfg.Health.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", "error", err)
		}
	}()
	return srv
}

// notifySystemd reports readiness and keeps the watchdog fed until ctx ends.
func notifySystemd(ctx context.Context) {
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Send every 15s for a 30s WatchdogSec
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-ctx.Done():
				daemon.SdNotify(false, daemon.SdNotifyStopping)
				return
			}
		}
	}()
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	return fmt.Errorf("unhealthy (status: %d)", resp.StatusCode)
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=dashsync development event hub
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=dashsync
Group=dashsync
ExecStartPre=/usr/local/bin/dashsync validate --config /etc/dashsync/config.yaml
ExecStart=/usr/local/bin/dashsync serve --config /etc/dashsync/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/dashsync
LogsDirectory=dashsync
LimitNOFILE=65535
MemoryMax=256M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=dashsync

[Install]
WantedBy=multi-user.target
`)
}
