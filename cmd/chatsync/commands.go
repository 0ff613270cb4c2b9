package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/memohai/chatsync/db"
	"github.com/memohai/chatsync/internal/api"
	"github.com/memohai/chatsync/internal/config"
	idb "github.com/memohai/chatsync/internal/db"
	"github.com/memohai/chatsync/internal/prefs"
	"github.com/memohai/chatsync/internal/presence"
	"github.com/memohai/chatsync/internal/version"
)

func buildWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Connect and print channel, presence and notification events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd)
		},
	}
}

func runWatch(cmd *cobra.Command) error {
	app := fx.New(
		fx.Supply(configPath(cfgFlag), newPrinter(cmd.OutOrStdout())),
		infraModule,
		sessionModule,
		fx.WithLogger(fxLogger),
	)
	startCtx, cancel := context.WithTimeout(cmd.Context(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	<-app.Done()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancelStop()
	return app.Stop(stopCtx)
}

func buildLoginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange credentials for a token",
		Long: `Exchange an email and password for a bearer token.

The token is printed so it can be stored in the config file or exported
as CHATSYNC_TOKEN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("CHATSYNC_PASSWORD")
			}
			if strings.TrimSpace(email) == "" || password == "" {
				return fmt.Errorf("email and password are required")
			}
			cfg, log, err := loadCLIConfig()
			if err != nil {
				return err
			}
			client := api.NewClient(log, cfg.Server, cfg.Sync, nil)
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.Timeout())
			defer cancel()
			token, err := client.Login(ctx, email, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (or set CHATSYNC_PASSWORD)")
	return cmd
}

func buildChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the channels of the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadCLIConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.Token == "" {
				return fmt.Errorf("no token configured; run chatsync login first")
			}
			client := api.NewClient(log, cfg.Server, cfg.Sync, func() string { return cfg.Auth.Token })
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.Timeout())
			defer cancel()
			channels, err := client.MyChannels(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ch := range channels {
				marker := " "
				if ch.IsOwner {
					marker = okStyle.Render("*")
				}
				fmt.Fprintf(out, "%s %6d  #%s\n", marker, ch.ID, ch.Name)
			}
			return nil
		},
	}
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "status [online|dnd|offline]",
		Short:     "Show or set the preferred presence status",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(presence.StatusOnline), string(presence.StatusDND), string(presence.StatusOffline)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadCLIConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, log, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			if len(args) == 0 {
				raw, ok, err := store.Get(ctx, prefs.KeyPreferredStatus)
				if err != nil {
					return err
				}
				if !ok {
					raw = "unset"
				}
				fmt.Fprintln(cmd.OutOrStdout(), raw)
				return nil
			}
			status, err := presence.ParseStatus(args[0])
			if err != nil {
				return err
			}
			if err := store.Set(ctx, prefs.KeyPreferredStatus, string(status)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|down|version|force N>",
		Short: "Manage the local preference database schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadCLIConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.InMemory() {
				return fmt.Errorf("storage is in-memory; nothing to migrate")
			}
			conn, err := idb.Open(cmd.Context(), cfg.Storage)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer conn.Close()
			return idb.RunMigrate(log, conn, db.Migrations(), args[0], args[1:])
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s\n", version.GetInfo())
		},
	}
}

func loadCLIConfig() (config.Config, *slog.Logger, error) {
	cfg, err := provideConfig(configPath(cfgFlag))
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, provideLogger(cfg), nil
}
