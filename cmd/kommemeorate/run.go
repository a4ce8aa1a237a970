package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/kommemeorate/internal/config"
	"github.com/zulandar/kommemeorate/internal/daemon"
	"github.com/zulandar/kommemeorate/internal/logging"
	"github.com/zulandar/kommemeorate/internal/service"
)

// newNotifier builds the service manager notifier. Tests replace it.
var newNotifier = func(log zerolog.Logger) service.Notifier {
	return service.Systemd{Logger: log}
}

// runDaemon runs the pipeline in the foreground until a shutdown signal.
// Logging settings are taken from the configuration read at startup; until
// then messages go to stderr.
func runDaemon(cmd *cobra.Command, configPath string) error {
	boot := zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger()
	notifier := newNotifier(boot)

	cfg, err := config.Load(configPath)
	if err != nil {
		return startupFailed(notifier, fmt.Errorf("load config: %w", err))
	}

	log, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return startupFailed(notifier, err)
	}
	notifier = newNotifier(log)
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("config", configPath).
		Msg("starting kommemeorate")

	requests, stopSignals := service.OSSignals()
	defer stopSignals()

	d, err := daemon.NewDaemon(daemon.DaemonOpts{
		Config: cfg,
		Load: func() (*config.Config, error) {
			return config.Load(configPath)
		},
		Notifier: notifier,
		Requests: requests,
		Logger:   log,
	})
	if err != nil {
		return startupFailed(notifier, err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	return d.Run(ctx)
}

// startupFailed reports err to the service manager before the daemon exists
// to do it.
func startupFailed(n service.Notifier, err error) error {
	n.Failed(1, err.Error())
	return err
}
