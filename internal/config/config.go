// Package config loads proxybot settings from a config file, the
// environment, and command line flags using viper.
//
// Precedence, highest first: bound flags, PROXYBOT_* environment variables,
// the config file, then the defaults in Keys. The legacy conf.json shape
// (onboard_key, bot_token, admins) is a valid config file as is.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/circlerelay/proxybot/internal/storage/factory"
	"github.com/circlerelay/proxybot/internal/types"
)

// Transport names.
const (
	TransportTelegram = "telegram"
	TransportSlack    = "slack"
)

// DefaultFile is the config file written by `proxybot config init`.
const DefaultFile = "proxybot.yaml"

// searchOrder lists the file names Discover looks for, in order.
var searchOrder = []string{"proxybot.yaml", "proxybot.yml", "proxybot.json", "proxybot.toml", "conf.json"}

// Config is the resolved configuration.
type Config struct {
	OnboardKey string          `mapstructure:"onboard_key"`
	Transport  string          `mapstructure:"transport"`
	BotToken   string          `mapstructure:"bot_token"`
	Slack      SlackConfig     `mapstructure:"slack"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Health     HealthConfig    `mapstructure:"health"`
	NATS       NATSConfig      `mapstructure:"nats"`
	Log        LogConfig       `mapstructure:"log"`
	Send       SendConfig      `mapstructure:"send"`
	Telemetry  TelemetryConfig `mapstructure:"telemetry"`

	// Admins maps admin username to the chat id used for notifications.
	// Chat ids may be written as numbers; they are kept as strings.
	Admins map[string]string `mapstructure:"-"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type SlackConfig struct {
	BotToken string `mapstructure:"bot_token"`
	AppToken string `mapstructure:"app_token"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

type HealthConfig struct {
	Port int `mapstructure:"port"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SendConfig struct {
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Stdout   bool   `mapstructure:"stdout"`
	Endpoint string `mapstructure:"endpoint"`
}

// NewViper returns a viper instance with defaults and environment binding
// set up. Callers may bind flags on it before passing it to Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range Keys {
		v.SetDefault(k.Name, k.Default)
	}
	v.SetDefault("admins", map[string]string{})
	return v
}

// Discover returns the first config file found in dir, or "" if none.
func Discover(dir string) string {
	for _, name := range searchOrder {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Load reads the config file at path into v and resolves the result. An
// empty path searches the working directory; finding nothing there is not
// an error. The result is not validated; call Validate.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = Discover(".")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var errs []error
	for _, k := range Keys {
		if k.Validate == nil {
			continue
		}
		if err := ValidateKey(k.Name, v.GetString(k.Name)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg := &Config{File: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	cfg.Admins = normalizeAdmins(v.GetStringMapString("admins"))
	return cfg, nil
}

// LoadFile is Load with a fresh viper instance. The config watcher uses it
// to pick up edits.
func LoadFile(path string) (*Config, error) {
	return Load(NewViper(), path)
}

func normalizeAdmins(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, chat := range in {
		out[types.NormalizeUsername(name)] = strings.TrimSpace(chat)
	}
	return out
}

// Validate reports every problem that would stop the bot from running.
func (c *Config) Validate() error {
	var errs []error
	if c.OnboardKey == "" {
		errs = append(errs, fmt.Errorf("onboard_key is required (set it in the config file or %s)", EnvVar("onboard_key")))
	}
	switch c.Transport {
	case TransportTelegram:
		if c.BotToken == "" {
			errs = append(errs, fmt.Errorf("bot_token is required for the telegram transport"))
		}
	case TransportSlack:
		if c.Slack.BotToken == "" {
			errs = append(errs, fmt.Errorf("slack.bot_token is required for the slack transport"))
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, fmt.Errorf("slack.app_token is required for the slack transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if err := c.validateBackend(); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.Dir == "" {
		errs = append(errs, fmt.Errorf("storage.dir must not be empty"))
	}
	for name := range c.Admins {
		if name == "" {
			errs = append(errs, fmt.Errorf("admins: empty username"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateBackend() error {
	backend := c.Storage.Backend
	if backend == "" {
		return nil
	}
	for _, name := range factory.Backends() {
		if name == backend && name != factory.BackendMemory {
			return nil
		}
	}
	return fmt.Errorf("unknown storage.backend %q (supported: %s, %s)", backend, factory.BackendJSON, factory.BackendSQLite)
}

// Redacted returns the settings as flat key/value pairs, sorted by key,
// with secrets masked.
func (c *Config) Redacted() [][2]string {
	values := map[string]string{
		"onboard_key":         c.OnboardKey,
		"transport":           c.Transport,
		"bot_token":           c.BotToken,
		"slack.bot_token":     c.Slack.BotToken,
		"slack.app_token":     c.Slack.AppToken,
		"storage.backend":     c.Storage.Backend,
		"storage.dir":         c.Storage.Dir,
		"health.port":         fmt.Sprint(c.Health.Port),
		"nats.url":            c.NATS.URL,
		"nats.token":          c.NATS.Token,
		"nats.subject_prefix": c.NATS.SubjectPrefix,
		"log.level":           c.Log.Level,
		"log.format":          c.Log.Format,
		"send.max_elapsed":    c.Send.MaxElapsed.String(),
		"telemetry.enabled":   fmt.Sprint(c.Telemetry.Enabled),
		"telemetry.stdout":    fmt.Sprint(c.Telemetry.Stdout),
		"telemetry.endpoint":  c.Telemetry.Endpoint,
	}
	out := make([][2]string, 0, len(values)+1)
	for key, val := range values {
		if k := LookupKey(key); k != nil && k.Secret && val != "" {
			val = mask(val)
		}
		out = append(out, [2]string{key, val})
	}
	names := make([]string, 0, len(c.Admins))
	for name := range c.Admins {
		names = append(names, "@"+name)
	}
	sort.Strings(names)
	out = append(out, [2]string{"admins", strings.Join(names, ", ")})
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", 6) + s[len(s)-2:]
}
