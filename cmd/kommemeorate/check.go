package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/kommemeorate/internal/config"
	"github.com/zulandar/kommemeorate/internal/daemon"
	"github.com/zulandar/kommemeorate/internal/db"
	"github.com/zulandar/kommemeorate/internal/persist"
)

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Loads the configuration with environment overrides applied and prints it as YAML. Credentials are redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(cmd.OutOrStdout(), *configPath)
		},
	}
}

func runConfig(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	data, err := config.Render(cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and storage",
		Long: `Validates the configuration, connects to the database, migrating it if needed,
and reports records whose image is missing and images no record refers to.
Nothing is repaired; the consumer's reconcile pass does that.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), *configPath)
		},
	}
}

func runCheck(ctx context.Context, out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Configuration %s is valid\n", configPath)
	fmt.Fprintf(out, "Sources: %s\n", strings.Join(enabledSources(cfg), ", "))

	if _, err := persist.ParseSchedule(cfg.Storage.Reconcile); err != nil {
		return err
	}

	st, err := persist.OpenStorage(daemon.PersistConfig(cfg))
	if err != nil {
		return err
	}
	defer st.Close()
	fmt.Fprintf(out, "Connected to %s\n", db.Redact(cfg.Database.URL))

	n, err := st.Store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d memes recorded in %s\n", n, st.Blobs.Root())

	rep, err := st.Reconcile(ctx, true)
	if err != nil {
		return err
	}
	if rep.Clean() {
		fmt.Fprintln(out, "Storage is consistent")
		return nil
	}

	ids := make([]uint, 0, len(rep.OrphanRecords))
	for id := range rep.OrphanRecords {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(out, "  record %d: missing image %s\n", id, rep.OrphanRecords[id])
	}
	for _, name := range rep.OrphanBlobs {
		fmt.Fprintf(out, "  image %s: no record\n", name)
	}
	if rep.TempFiles > 0 {
		fmt.Fprintf(out, "  %d unfinished writes\n", rep.TempFiles)
	}
	return fmt.Errorf("storage is inconsistent: %d orphan records, %d orphan images",
		len(rep.OrphanRecords), len(rep.OrphanBlobs))
}

func enabledSources(cfg *config.Config) []string {
	var out []string
	if cfg.Telegram.Enabled {
		out = append(out, fmt.Sprintf("telegram (%d groups)", len(cfg.Telegram.Groups)))
	}
	if cfg.Discord.Enabled {
		out = append(out, fmt.Sprintf("discord (%d channels)", len(cfg.Discord.Channels)))
	}
	if cfg.Slack.Enabled {
		out = append(out, fmt.Sprintf("slack (%d channels)", len(cfg.Slack.Channels)))
	}
	return out
}
