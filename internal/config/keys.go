package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable the config reads.
const EnvPrefix = "PROXYBOT"

// Key describes one configuration key.
type Key struct {
	Name        string // dotted key name (e.g., "storage.backend")
	Description string // Human-readable description
	Default     string // Default value (empty = no default)
	Secret      bool   // If true, the value is masked by Redacted
	Validate    func(string) error
}

// Keys defines all known configuration keys, in template order.
var Keys = []Key{
	{
		Name:        "onboard_key",
		Description: "Shared secret that authorizes /onboard and /deboard",
		Secret:      true,
	},
	{
		Name:        "transport",
		Description: "Chat platform to connect to (telegram, slack)",
		Default:     "telegram",
		Validate:    validateTransport,
	},
	{
		Name:        "bot_token",
		Description: "Telegram bot token",
		Secret:      true,
	},
	{
		Name:        "slack.bot_token",
		Description: "Slack bot token (xoxb-...)",
		Secret:      true,
	},
	{
		Name:        "slack.app_token",
		Description: "Slack app-level token for Socket Mode (xapp-...)",
		Secret:      true,
	},
	{
		Name:        "storage.backend",
		Description: "Directory store backend (json, sqlite)",
		Default:     "json",
	},
	{
		Name:        "storage.dir",
		Description: "Directory holding the store and the instance lock",
		Default:     ".",
	},
	{
		Name:        "health.port",
		Description: "Port for /healthz and /readyz (0 disables)",
		Default:     "8080",
		Validate:    validatePort,
	},
	{
		Name:        "nats.url",
		Description: "NATS server URL for the event stream (empty disables)",
	},
	{
		Name:        "nats.token",
		Description: "NATS auth token",
		Secret:      true,
	},
	{
		Name:        "nats.subject_prefix",
		Description: "Subject prefix for published events",
		Default:     "proxybot.",
	},
	{
		Name:        "log.level",
		Description: "Log level (debug, info, warn, error)",
		Default:     "info",
		Validate:    validateLogLevel,
	},
	{
		Name:        "log.format",
		Description: "Log format (text, json)",
		Default:     "text",
		Validate:    validateLogFormat,
	},
	{
		Name:        "send.max_elapsed",
		Description: "How long to keep retrying a failed message delivery",
		Default:     "30s",
		Validate:    validateDuration,
	},
	{
		Name:        "telemetry.enabled",
		Description: "Export OpenTelemetry metrics and traces",
		Default:     "false",
		Validate:    validateBool,
	},
	{
		Name:        "telemetry.stdout",
		Description: "Write telemetry to stdout instead of OTLP",
		Default:     "false",
		Validate:    validateBool,
	},
	{
		Name:        "telemetry.endpoint",
		Description: "OTLP gRPC endpoint (host:port)",
	},
}

// keyMap is a lookup table built from Keys.
var keyMap map[string]*Key

func init() {
	keyMap = make(map[string]*Key, len(Keys))
	for i := range Keys {
		keyMap[Keys[i].Name] = &Keys[i]
	}
}

// LookupKey returns the Key definition, or nil if name is not a known key.
func LookupKey(name string) *Key {
	return keyMap[name]
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ValidateKey checks whether key is known and value is acceptable for it.
func ValidateKey(key, value string) error {
	k := keyMap[key]
	if k == nil {
		known := make([]string, 0, len(Keys))
		for _, k := range Keys {
			known = append(known, k.Name)
		}
		return fmt.Errorf("unknown config key %q; valid keys: %s", key, strings.Join(known, ", "))
	}
	if k.Validate != nil {
		if err := k.Validate(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return nil
}

// Validation helpers

func validatePort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("must be a number, got %q", value)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("must be between 0 and 65535, got %d", port)
	}
	return nil
}

func validateLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("must be one of: debug, info, warn, error; got %q", value)
	}
}

func validateLogFormat(value string) error {
	switch strings.ToLower(value) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("must be text or json, got %q", value)
	}
}

func validateTransport(value string) error {
	switch strings.ToLower(value) {
	case TransportTelegram, TransportSlack:
		return nil
	default:
		return fmt.Errorf("must be %s or %s, got %q", TransportTelegram, TransportSlack, value)
	}
}

func validateBool(value string) error {
	switch strings.ToLower(value) {
	case "true", "false", "1", "0", "t", "f":
		return nil
	default:
		return fmt.Errorf("must be true or false, got %q", value)
	}
}

func validateDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("must be a duration like 30s, got %q", value)
	}
	if d < 0 {
		return fmt.Errorf("must not be negative, got %s", value)
	}
	return nil
}
