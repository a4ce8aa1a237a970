package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/kommemeorate/internal/config"
	"github.com/zulandar/kommemeorate/internal/db"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date",
		Long:  "Creates or updates the memes table in the configured database and exits. The daemon does the same at startup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), *configPath)
		},
	}
}

func runMigrate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gdb, err := db.Connect(cfg.Database.URL)
	if err != nil {
		return err
	}
	if err := db.Close(gdb); err != nil {
		return err
	}
	fmt.Fprintf(out, "Schema of %s is up to date\n", db.Redact(cfg.Database.URL))
	return nil
}
