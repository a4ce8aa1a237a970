package daemon

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/config"
	"github.com/zulandar/kommemeorate/internal/event"
	"github.com/zulandar/kommemeorate/internal/persist"
	"github.com/zulandar/kommemeorate/internal/source"
	"github.com/zulandar/kommemeorate/internal/source/discord"
	"github.com/zulandar/kommemeorate/internal/source/slack"
	"github.com/zulandar/kommemeorate/internal/source/telegram"
)

// SourceBuilder derives the connector configurations from cfg.
type SourceBuilder func(cfg *config.Config, log zerolog.Logger) ([]source.Config, error)

// BuildSources returns one connector per enabled platform, named after the
// platform.
func BuildSources(cfg *config.Config, log zerolog.Logger) ([]source.Config, error) {
	var out []source.Config

	if cfg.Telegram.Enabled {
		d, err := telegram.NewDialer(telegram.Options{
			APIID:       cfg.Telegram.APIID,
			APIHash:     cfg.Telegram.APIHash.Reveal(),
			BotToken:    cfg.Telegram.BotToken.Reveal(),
			SessionFile: cfg.Telegram.SessionFile,
			InboxSize:   cfg.Pipeline.InboxSize,
			Logger:      log.With().Str("source", "telegram").Logger(),
		})
		if err != nil {
			return nil, err
		}
		allow := make([]source.Entry, len(cfg.Telegram.Groups))
		for i, g := range cfg.Telegram.Groups {
			allow[i] = source.Entry{ID: strconv.FormatInt(g.ID, 10), Label: g.Name}
		}
		out = append(out, source.Config{
			Name:     string(event.Telegram),
			Platform: event.Telegram,
			Dialer:   d,
			Classify: telegram.Classify,
			Allow:    allow,
		})
	}

	if cfg.Discord.Enabled {
		d, err := discord.NewDialer(discord.Options{
			BotToken:  cfg.Discord.BotToken.Reveal(),
			InboxSize: cfg.Pipeline.InboxSize,
			Logger:    log.With().Str("source", "discord").Logger(),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, source.Config{
			Name:     string(event.Discord),
			Platform: event.Discord,
			Dialer:   d,
			Classify: discord.Classify,
			Allow:    channelEntries(cfg.Discord.Channels),
		})
	}

	if cfg.Slack.Enabled {
		d, err := slack.NewDialer(slack.Options{
			AppToken:  cfg.Slack.AppToken.Reveal(),
			BotToken:  cfg.Slack.BotToken.Reveal(),
			InboxSize: cfg.Pipeline.InboxSize,
			Logger:    log.With().Str("source", "slack").Logger(),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, source.Config{
			Name:     string(event.Slack),
			Platform: event.Slack,
			Dialer:   d,
			Classify: slack.Classify,
			Allow:    channelEntries(cfg.Slack.Channels),
		})
	}

	for _, sc := range out {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("daemon: no source enabled")
	}
	return out, nil
}

func channelEntries(chans []config.Channel) []source.Entry {
	allow := make([]source.Entry, len(chans))
	for i, ch := range chans {
		allow[i] = source.Entry{ID: ch.ID, Label: ch.Name}
	}
	return allow
}

// PersistConfig derives the consumer configuration from cfg.
func PersistConfig(cfg *config.Config) persist.Config {
	return persist.Config{
		DatabaseURL:      cfg.Database.URL,
		Root:             cfg.Storage.Path,
		Reconcile:        cfg.Storage.Reconcile,
		ReconcileOnStart: cfg.Storage.ReconcileOnStart,
	}
}
