package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-channels/providers/bridge"
	"github.com/goliatone/go-channels/providers/cloud"
	"github.com/goliatone/go-config/cfgx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "channels.yaml"

type DatabaseConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
	Migrate     bool          `koanf:"migrate" mapstructure:"migrate"`
}

type JobsConfig struct {
	Interval     time.Duration `koanf:"interval" mapstructure:"interval"`
	MaxAttempts  int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	MaxDelay     time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	RefreshLimit int           `koanf:"refresh_limit" mapstructure:"refresh_limit"`
	SweepLimit   int           `koanf:"sweep_limit" mapstructure:"sweep_limit"`
}

type ServerConfig struct {
	Env             string         `koanf:"env" mapstructure:"env"`
	Addr            string         `koanf:"addr" mapstructure:"addr"`
	LogLevel        string         `koanf:"log_level" mapstructure:"log_level"`
	OTelServiceName string         `koanf:"otel_service_name" mapstructure:"otel_service_name"`
	UserHeader      string         `koanf:"user_header" mapstructure:"user_header"`
	VaultKey        string         `koanf:"vault_key" mapstructure:"vault_key"`
	RedisURL        string         `koanf:"redis_url" mapstructure:"redis_url"`
	LookupCacheTTL  time.Duration  `koanf:"lookup_cache_ttl" mapstructure:"lookup_cache_ttl"`
	Database        DatabaseConfig `koanf:"database" mapstructure:"database"`
	Bridge          bridge.Config  `koanf:"bridge" mapstructure:"bridge"`
	Cloud           cloud.Config   `koanf:"cloud" mapstructure:"cloud"`
	Jobs            JobsConfig     `koanf:"jobs" mapstructure:"jobs"`

	// Channels is handed to the channel service config provider untouched.
	Channels map[string]any `koanf:"channels" mapstructure:"channels"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Env:        "development",
		Addr:       ":8080",
		LogLevel:   "info",
		UserHeader: "X-User-ID",
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			DSN:         "file:channels.db?cache=shared&_foreign_keys=on",
			PingTimeout: 5 * time.Second,
			Migrate:     true,
		},
		LookupCacheTTL: 30 * time.Second,
		Jobs: JobsConfig{
			Interval:     time.Minute,
			MaxAttempts:  5,
			MaxDelay:     5 * time.Minute,
			RefreshLimit: 50,
			SweepLimit:   200,
		},
	}
}

func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config: addr is required")
	}
	if strings.TrimSpace(c.VaultKey) == "" {
		return fmt.Errorf("config: vault_key is required")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database dsn is required")
	}
	return nil
}

func (c ServerConfig) IsProduction() bool {
	return c.Env == "production"
}

type valueKind int

const (
	kindString valueKind = iota
	kindDuration
	kindInt
	kindBool
)

type envBinding struct {
	path string
	kind valueKind
}

// envBindings maps environment variables onto dotted config paths.
var envBindings = map[string]envBinding{
	"CHANNELS_ENV":               {path: "env"},
	"CHANNELS_ADDR":              {path: "addr"},
	"CHANNELS_LOG_LEVEL":         {path: "log_level"},
	"OTEL_SERVICE_NAME":          {path: "otel_service_name"},
	"CHANNELS_USER_HEADER":       {path: "user_header"},
	"CHANNELS_VAULT_KEY":         {path: "vault_key"},
	"REDIS_URL":                  {path: "redis_url"},
	"DATABASE_DRIVER":            {path: "database.driver"},
	"DATABASE_URL":               {path: "database.dsn"},
	"CHANNELS_DATABASE_MIGRATE":  {path: "database.migrate", kind: kindBool},
	"CHANNELS_DATABASE_DEBUG":    {path: "database.debug", kind: kindBool},
	"BRIDGE_BASE_URL":            {path: "bridge.base_url"},
	"BRIDGE_API_KEY":             {path: "bridge.api_key"},
	"BRIDGE_INTEGRATION":         {path: "bridge.integration"},
	"META_APP_ID":                {path: "cloud.app_id"},
	"META_APP_SECRET":            {path: "cloud.app_secret"},
	"META_CONFIG_ID":             {path: "cloud.config_id"},
	"META_GRAPH_BASE_URL":        {path: "cloud.graph_base_url"},
	"META_GRAPH_VERSION":         {path: "cloud.graph_version"},
	"WHATSAPP_VERIFY_TOKEN":      {path: "channels.webhook.verify_token"},
	"WHATSAPP_WEBHOOK_URL":       {path: "channels.webhook.callback_url"},
	"WHATSAPP_OAUTH_REDIRECT":    {path: "channels.oauth.redirect_uri"},
	"BRIDGE_WEBHOOK_URL":         {path: "channels.pairing.webhook_url"},
	"CHANNELS_SERVICE_NAME":      {path: "channels.service_name"},
	"CHANNELS_INSTANCE_PREFIX":   {path: "channels.pairing.instance_prefix"},
	"CHANNELS_LOOKUP_CACHE_TTL":  {path: "lookup_cache_ttl", kind: kindDuration},
	"CHANNELS_JOBS_INTERVAL":     {path: "jobs.interval", kind: kindDuration},
	"CHANNELS_JOBS_MAX_ATTEMPTS": {path: "jobs.max_attempts", kind: kindInt},
}

// durationPaths are parsed from strings such as "30s" before decoding.
var durationPaths = []string{
	"lookup_cache_ttl",
	"database.ping_timeout",
	"bridge.request_timeout",
	"cloud.request_timeout",
	"jobs.interval",
	"jobs.max_delay",
	"channels.pairing.instance_ttl",
	"channels.pairing.total_timeout",
	"channels.pairing.qr_refresh_interval",
	"channels.pairing.qr_min_instance_age",
	"channels.oauth.state_ttl",
	"channels.oauth.refresh_window",
	"channels.oauth.token_warning_window",
	"channels.oauth.refresh_lease_ttl",
}

// LoadConfig layers defaults, the optional YAML file and the environment
// (after .env) in that order.
func LoadConfig(path string) (ServerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("config: load .env: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("CHANNELS_CONFIG")
	}
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultConfigPath
	}

	raw, err := readYAML(path, explicit)
	if err != nil {
		return ServerConfig{}, err
	}
	if err := applyEnv(raw, os.LookupEnv); err != nil {
		return ServerConfig{}, err
	}
	if err := parseDurations(raw); err != nil {
		return ServerConfig{}, err
	}
	// Meta signs webhooks with the app secret.
	if secret, ok := lookupPath(raw, "cloud.app_secret"); ok {
		if _, set := lookupPath(raw, "channels.webhook.app_secret"); !set {
			setPath(raw, "channels.webhook.app_secret", secret)
		}
	}
	return buildConfig(raw)
}

func buildConfig(raw map[string]any) (ServerConfig, error) {
	cfg, err := cfgx.Build[ServerConfig](raw,
		cfgx.WithDefaults(defaultServerConfig()),
		cfgx.WithValidator[ServerConfig]((*ServerConfig).Validate),
	)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config: %w", err)
	}
	if cfg.Channels == nil {
		cfg.Channels = map[string]any{}
	}
	return cfg, nil
}

func readYAML(path string, required bool) (map[string]any, error) {
	raw := map[string]any{}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return raw, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return raw, nil
}

func applyEnv(raw map[string]any, lookup func(string) (string, bool)) error {
	for env, binding := range envBindings {
		value, ok := lookup(env)
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			continue
		}
		var typed any = value
		switch binding.kind {
		case kindDuration:
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("config: %s: %w", env, err)
			}
			typed = parsed
		case kindInt:
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("config: %s: %w", env, err)
			}
			typed = parsed
		case kindBool:
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("config: %s: %w", env, err)
			}
			typed = parsed
		}
		setPath(raw, binding.path, typed)
	}
	return nil
}

func parseDurations(raw map[string]any) error {
	for _, path := range durationPaths {
		value, ok := lookupPath(raw, path)
		if !ok {
			continue
		}
		text, isString := value.(string)
		if !isString {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(text))
		if err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
		setPath(raw, path, parsed)
	}
	return nil
}

func setPath(raw map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := raw
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

func lookupPath(raw map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	node := raw
	for i, part := range parts {
		value, ok := node[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return value, true
		}
		if node, ok = value.(map[string]any); !ok {
			return nil, false
		}
	}
	return nil, false
}
