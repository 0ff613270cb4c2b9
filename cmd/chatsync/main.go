// Command chatsync runs the real-time chat sync client from a terminal.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/version"
)

var cfgFlag string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Real-time chat sync client",
		Long: `chatsync keeps a local view of your chat channels in sync with the server.

It holds one push connection for the signed-in user, applies channel and
presence events as they arrive, and catches up on missed events after
every reconnect.`,
		Version:      version.GetInfo(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFlag, "config", "c", "",
		"Path to config file (default $CONFIG_PATH or "+config.DefaultConfigPath+")")

	root.AddCommand(
		buildWatchCmd(),
		buildLoginCmd(),
		buildChannelsCmd(),
		buildStatusCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)
	return root
}
