package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are
// matched against config keys, so HASHVIEW_JWT_SECRET sets jwt_secret.
const EnvPrefix = "HASHVIEW_"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	PushQueueDirect = "direct"
	PushQueueRiver  = "river"
)

type Config struct {
	AppName string `koanf:"app_name"`
	Env     string `koanf:"env"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`

	DatabaseDriver string `koanf:"database_driver"`
	DatabaseURL    string `koanf:"database_url"`
	SQLitePath     string `koanf:"sqlite_path"`

	JWTSecret          string   `koanf:"jwt_secret"`
	AccessTokenMinutes int      `koanf:"access_token_minutes"`
	EncryptKey         string   `koanf:"encryption_key"`
	LegacyEncryptKeys  []string `koanf:"legacy_encryption_keys"`

	CORSOrigins []string `koanf:"cors_origins"`
	Debug       bool     `koanf:"debug"`
	LogLevel    string   `koanf:"log_level"`

	// RedisAddr enables the shared token blacklist; empty keeps it in memory.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	PushEnabled     bool    `koanf:"push_enabled"`
	ExpoURL         string  `koanf:"expo_url"`
	ExpoAccessToken string  `koanf:"expo_access_token"`
	ExpoRateLimit   float64 `koanf:"expo_rate_limit"`
	PushQueue       string  `koanf:"push_queue"`
	PushWorkers     int     `koanf:"push_workers"`

	WSRateLimit      float64 `koanf:"ws_rate_limit"`
	WSRateBurst      int     `koanf:"ws_rate_burst"`
	MessageMaxLength int     `koanf:"message_max_length"`
}

func defaults() map[string]any {
	return map[string]any{
		"app_name":             "hashview API",
		"env":                  "development",
		"host":                 "0.0.0.0",
		"port":                 8000,
		"database_driver":      DriverSQLite,
		"sqlite_path":          "hashview.db",
		"access_token_minutes": 60 * 24 * 7,
		"cors_origins":         []string{"http://localhost:3000", "http://localhost:8081", "http://localhost:19006"},
		"debug":                true,
		"log_level":            "info",
		"push_enabled":         true,
		"expo_rate_limit":      6.0,
		"push_queue":           PushQueueDirect,
		"push_workers":         10,
		"ws_rate_limit":        10.0,
		"ws_rate_burst":        20,
		"message_max_length":   1000,
	}
}

// Load builds the configuration from defaults, an optional TOML file and
// HASHVIEW_ environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if _, err := os.Stat("hashview.toml"); err == nil {
		if err := k.Load(file.Provider("hashview.toml"), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file hashview.toml: %w", err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = trimAll(cfg.CORSOrigins)
	cfg.LegacyEncryptKeys = trimAll(cfg.LegacyEncryptKeys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that prevents the server from starting.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.EncryptKey == "" {
		return errors.New("encryption_key is required")
	}
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required for the postgres driver")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver)
	}
	switch c.PushQueue {
	case PushQueueDirect:
	case PushQueueRiver:
		if c.DatabaseDriver != DriverPostgres {
			return errors.New("push_queue river requires the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported push_queue %q", c.PushQueue)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MessageMaxLength <= 0 {
		return errors.New("message_max_length must be positive")
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
