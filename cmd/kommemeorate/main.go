package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/kommemeorate/internal/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "kommemeorate [config]",
		Short: "kommemeorate archives memes posted to chat groups",
		Long: `kommemeorate watches allow-listed Telegram groups and Discord or Slack channels,
saves every photo posted there to a directory and records where it came from in a database.
Edits replace the saved image and deletions remove it.

The configuration file may be given as the only argument or with --config.
SIGHUP reloads it, SIGINT, SIGTERM and SIGQUIT shut down.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				configPath = args[0]
			}
			return runDaemon(cmd, configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the configuration file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd(&configPath))
	cmd.AddCommand(newCheckCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kommemeorate %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "kommemeorate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
