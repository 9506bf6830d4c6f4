package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cortexuvula/dashsync/internal/api"
	"github.com/cortexuvula/dashsync/internal/config"
	"github.com/cortexuvula/dashsync/internal/push"
)

// pushEnv is the push manager of a one-shot push command. Permission and
// subscriptions live for the duration of the command only.
type pushEnv struct {
	cfg      *config.Config
	platform *push.DesktopPlatform
	manager  *push.Manager
	client   *api.Client
	token    string
}

func newPushEnv(configPath string, verbose bool, token string, assumeYes bool) (*pushEnv, func(), error) {
	cfg, lj, err := loadConfig(configPath, verbose)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if lj != nil {
			lj.Close()
		}
	}
	if token != "" {
		cfg.Client.Token = token
	}
	if cfg.Client.Token == "" {
		closer()
		return nil, nil, errors.New("no credential: set client.token, DASHSYNC_CLIENT_TOKEN or --token")
	}

	platform := desktopPlatform(cfg)
	if assumeYes {
		platform.SetPermission(push.PermissionGranted)
	}
	client := api.New(cfg.Client.APIURL, cfg.Client.Token, cfg.Notifications.FetchTimeout)
	return &pushEnv{
		cfg:      cfg,
		platform: platform,
		manager:  push.NewManager(platform, push.ServerFor(client)),
		client:   client,
		token:    cfg.Client.Token,
	}, closer, nil
}

func newPushCmd(configPath *string, verbose *bool) *cobra.Command {
	var token string
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Manage the out-of-band push channel",
	}
	cmd.PersistentFlags().StringVar(&token, "token", "", "Bearer credential (overrides client.token)")
	cmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Treat notification permission as granted")

	run := func(fn func(ctx context.Context, env *pushEnv) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			env, closer, err := newPushEnv(*configPath, *verbose, token, assumeYes)
			if err != nil {
				return err
			}
			defer closer()
			if !env.cfg.Push.Enabled {
				return errors.New("push.enabled is false")
			}
			return fn(cmd.Context(), env)
		}
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show push support and permission",
		RunE: run(func(ctx context.Context, env *pushEnv) error {
			st, err := env.manager.Status(ctx)
			if err != nil {
				return err
			}
			_, keyErr := env.client.PushPublicKey(ctx)
			serverOK := keyErr == nil
			out := struct {
				push.Status
				ServerReachable bool `json:"server_reachable"`
			}{st, serverOK}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}),
	}

	permissionCmd := &cobra.Command{
		Use:   "permission",
		Short: "Ask for notification permission",
		RunE: run(func(ctx context.Context, env *pushEnv) error {
			p, err := env.manager.RequestPermission(ctx)
			if err != nil && !errors.Is(err, push.ErrPermissionDenied) {
				return err
			}
			fmt.Printf("permission: %s\n", p)
			return nil
		}),
	}

	subscribeCmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Create a push subscription and register it with the server",
		RunE: run(func(ctx context.Context, env *pushEnv) error {
			sub, err := env.manager.Subscribe(ctx, env.token)
			if err != nil {
				return err
			}
			fmt.Printf("subscribed: %s\n", sub.Endpoint)
			return nil
		}),
	}

	var endpoint string
	unsubscribeCmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Remove a push subscription from the server",
		RunE: run(func(ctx context.Context, env *pushEnv) error {
			if endpoint == "" {
				return errors.New("--endpoint is required")
			}
			if err := env.client.UnsubscribePush(ctx, endpoint); err != nil {
				return err
			}
			fmt.Printf("unsubscribed: %s\n", endpoint)
			return nil
		}),
	}
	unsubscribeCmd.Flags().StringVar(&endpoint, "endpoint", "", "Subscription endpoint to remove")

	var viaServer bool
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Show a local test notification, or ask the server to push one",
		RunE: run(func(ctx context.Context, env *pushEnv) error {
			if viaServer {
				if err := env.manager.SendServerTest(ctx, env.token); err != nil {
					return err
				}
				fmt.Println("server test push requested")
				return nil
			}
			if _, err := env.manager.RequestPermission(ctx); err != nil {
				return err
			}
			return env.manager.SendTestNotification()
		}),
	}
	testCmd.Flags().BoolVar(&viaServer, "server", false, "Deliver the test through the server")

	cmd.AddCommand(statusCmd, permissionCmd, subscribeCmd, unsubscribeCmd, testCmd)
	return cmd
}
