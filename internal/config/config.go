// Package config loads the kommemeorate configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// environment variables prefixed KOMMEMEORATE_ where a double underscore
// separates nesting levels (KOMMEMEORATE_DATABASE__URL sets database.url).
// Credentials are never written inline; each one is read from the file the
// configuration names and kept in a Secret.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/zulandar/kommemeorate/internal/event"
)

const (
	// DefaultPath is used when no configuration file is given.
	DefaultPath = "/etc/kommemeorate/config.yaml"
	// EnvPrefix marks environment variables that override file values.
	EnvPrefix = "KOMMEMEORATE_"
)

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging" yaml:"logging"`
	Storage  StorageConfig  `koanf:"storage" yaml:"storage"`
	Database DatabaseConfig `koanf:"database" yaml:"database"`
	Pipeline PipelineConfig `koanf:"pipeline" yaml:"pipeline"`
	Status   StatusConfig   `koanf:"status" yaml:"status"`
	Telegram TelegramConfig `koanf:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `koanf:"discord" yaml:"discord"`
	Slack    SlackConfig    `koanf:"slack" yaml:"slack"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=auto console json journald"`
}

// StorageConfig locates the image directory and the reconcile schedule.
type StorageConfig struct {
	Path string `koanf:"path" yaml:"path" validate:"required"`
	// Reconcile is a five-field cron expression; empty disables the
	// periodic pass.
	Reconcile        string `koanf:"reconcile" yaml:"reconcile"`
	ReconcileOnStart bool   `koanf:"reconcile_on_start" yaml:"reconcile_on_start"`
}

// DatabaseConfig holds the metadata store URL.
type DatabaseConfig struct {
	URL string `koanf:"url" yaml:"url" validate:"required"`
}

// PipelineConfig sizes the queues between connectors and the consumer.
type PipelineConfig struct {
	QueueSize       int           `koanf:"queue_size" yaml:"queue_size" validate:"min=1"`
	InboxSize       int           `koanf:"inbox_size" yaml:"inbox_size" validate:"min=1"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0"`
}

// StatusConfig configures the HTTP status server. An empty Listen disables it.
type StatusConfig struct {
	Listen string `koanf:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
}

// Group is an allow-listed Telegram chat.
type Group struct {
	ID   int64  `koanf:"id" yaml:"id" validate:"required"`
	Name string `koanf:"name" yaml:"name" validate:"required"`
}

// Channel is an allow-listed Discord or Slack channel.
type Channel struct {
	ID   string `koanf:"id" yaml:"id" validate:"required"`
	Name string `koanf:"name" yaml:"name" validate:"required"`
}

// TelegramConfig configures the Telegram bot connector.
type TelegramConfig struct {
	Enabled     bool    `koanf:"enabled" yaml:"enabled"`
	APIIDFile   string  `koanf:"api_id_file" yaml:"api_id_file" validate:"required_if=Enabled true"`
	APIHashFile string  `koanf:"api_hash_file" yaml:"api_hash_file" validate:"required_if=Enabled true"`
	TokenFile   string  `koanf:"bot_token_file" yaml:"bot_token_file" validate:"required_if=Enabled true"`
	SessionFile string  `koanf:"session_file" yaml:"session_file"`
	Groups      []Group `koanf:"groups" yaml:"groups" validate:"dive"`

	APIID    int    `koanf:"-" yaml:"-"`
	APIHash  Secret `koanf:"-" yaml:"api_hash,omitempty"`
	BotToken Secret `koanf:"-" yaml:"bot_token,omitempty"`
}

// DiscordConfig configures the Discord bot connector.
type DiscordConfig struct {
	Enabled   bool      `koanf:"enabled" yaml:"enabled"`
	TokenFile string    `koanf:"bot_token_file" yaml:"bot_token_file" validate:"required_if=Enabled true"`
	Channels  []Channel `koanf:"channels" yaml:"channels" validate:"dive"`

	BotToken Secret `koanf:"-" yaml:"bot_token,omitempty"`
}

// SlackConfig configures the Slack Socket Mode connector.
type SlackConfig struct {
	Enabled      bool      `koanf:"enabled" yaml:"enabled"`
	AppTokenFile string    `koanf:"app_token_file" yaml:"app_token_file" validate:"required_if=Enabled true"`
	BotTokenFile string    `koanf:"bot_token_file" yaml:"bot_token_file" validate:"required_if=Enabled true"`
	Channels     []Channel `koanf:"channels" yaml:"channels" validate:"dive"`

	AppToken Secret `koanf:"-" yaml:"app_token,omitempty"`
	BotToken Secret `koanf:"-" yaml:"bot_token,omitempty"`
}

// Defaults returns the built-in configuration every file is layered on.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Storage: StorageConfig{Path: "/var/lib/kommemeorate/memes"},
		Pipeline: PipelineConfig{
			QueueSize:       32,
			InboxSize:       8,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load reads the file at path, applies environment overrides, reads the
// secret files and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envProvider maps KOMMEMEORATE_STORAGE__RECONCILE_ON_START to
// storage.reconcile_on_start.
func envProvider() koanf.Provider {
	return env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		return envKey(key), value
	})
}

func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules: at least
// one source must be enabled and every enabled source needs a non-empty
// allow-list without duplicate ids.
func (c *Config) Validate() error {
	var errs []string
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if !c.Telegram.Enabled && !c.Discord.Enabled && !c.Slack.Enabled {
		errs = append(errs, "at least one source must be enabled")
	}
	if c.Telegram.Enabled {
		if len(c.Telegram.Groups) == 0 {
			errs = append(errs, "telegram.groups must not be empty")
		}
		seen := make(map[int64]bool)
		names := make(map[string]bool)
		for i, g := range c.Telegram.Groups {
			if seen[g.ID] {
				errs = append(errs, fmt.Sprintf("telegram.groups[%d]: duplicate id %d", i, g.ID))
			}
			seen[g.ID] = true
			if g.Name != "" && names[event.SafeName(g.Name)] {
				errs = append(errs, fmt.Sprintf("telegram.groups[%d]: duplicate name %q", i, g.Name))
			}
			names[event.SafeName(g.Name)] = true
		}
	}
	if c.Discord.Enabled {
		errs = append(errs, checkChannels("discord", c.Discord.Channels)...)
	}
	if c.Slack.Enabled {
		errs = append(errs, checkChannels("slack", c.Slack.Channels)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func checkChannels(source string, chans []Channel) []string {
	var errs []string
	if len(chans) == 0 {
		errs = append(errs, source+".channels must not be empty")
	}
	seen := make(map[string]bool)
	names := make(map[string]bool)
	for i, ch := range chans {
		if ch.ID != "" && seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("%s.channels[%d]: duplicate id %q", source, i, ch.ID))
		}
		seen[ch.ID] = true
		// Names become part of blob file names.
		if ch.Name != "" && names[event.SafeName(ch.Name)] {
			errs = append(errs, fmt.Sprintf("%s.channels[%d]: duplicate name %q", source, i, ch.Name))
		}
		names[event.SafeName(ch.Name)] = true
	}
	return errs
}

// fieldError renders a validator failure using the configuration key path.
func fieldError(fe validator.FieldError) string {
	path := keyPath(fe.Namespace())
	switch fe.Tag() {
	case "required", "required_if":
		return path + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", path, fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("%s must be at least %s", path, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port, got %q", path, fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s failed %s", path, fe.Tag())
	}
}

// keyPath turns "Config.Pipeline.QueueSize" into "pipeline.queuesize"-like
// paths using the koanf tags of the walked fields.
func keyPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	for i, p := range parts {
		idx := ""
		if j := strings.IndexByte(p, '['); j >= 0 {
			p, idx = p[:j], p[j:]
		}
		if tag, ok := keyNames[p]; ok {
			p = tag
		} else {
			p = strings.ToLower(p)
		}
		parts[i] = p + idx
	}
	return strings.Join(parts, ".")
}

var keyNames = map[string]string{
	"QueueSize":       "queue_size",
	"InboxSize":       "inbox_size",
	"ShutdownTimeout": "shutdown_timeout",
	"APIIDFile":       "api_id_file",
	"APIHashFile":     "api_hash_file",
	"TokenFile":       "bot_token_file",
	"AppTokenFile":    "app_token_file",
	"BotTokenFile":    "bot_token_file",
	"SessionFile":     "session_file",
	"URL":             "url",
	"ID":              "id",
}

// resolveSecrets reads the credential files of every enabled source.
func (c *Config) resolveSecrets() error {
	if c.Telegram.Enabled {
		raw, err := ReadSecret(c.Telegram.APIIDFile)
		if err != nil {
			return fmt.Errorf("config: telegram.api_id_file: %w", err)
		}
		id, err := strconv.Atoi(raw.Reveal())
		if err != nil || id <= 0 {
			return fmt.Errorf("config: telegram.api_id_file: %s does not contain a positive integer", c.Telegram.APIIDFile)
		}
		c.Telegram.APIID = id
		if c.Telegram.APIHash, err = ReadSecret(c.Telegram.APIHashFile); err != nil {
			return fmt.Errorf("config: telegram.api_hash_file: %w", err)
		}
		if c.Telegram.BotToken, err = ReadSecret(c.Telegram.TokenFile); err != nil {
			return fmt.Errorf("config: telegram.bot_token_file: %w", err)
		}
	}
	if c.Discord.Enabled {
		var err error
		if c.Discord.BotToken, err = ReadSecret(c.Discord.TokenFile); err != nil {
			return fmt.Errorf("config: discord.bot_token_file: %w", err)
		}
	}
	if c.Slack.Enabled {
		var err error
		if c.Slack.AppToken, err = ReadSecret(c.Slack.AppTokenFile); err != nil {
			return fmt.Errorf("config: slack.app_token_file: %w", err)
		}
		if c.Slack.BotToken, err = ReadSecret(c.Slack.BotTokenFile); err != nil {
			return fmt.Errorf("config: slack.bot_token_file: %w", err)
		}
	}
	return nil
}
