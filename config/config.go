// Package config resolves runtime settings from an optional .env file,
// environment variables, an optional config file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every setting the server reads at startup.
type Config struct {
	DatabaseURL        string        `mapstructure:"database_url"`
	HTTPAddr           string        `mapstructure:"http_addr"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	OutboxMaxAttempts  int           `mapstructure:"outbox_max_attempts"`
	VerificationTTL    time.Duration `mapstructure:"verification_ttl"`
	NotifyChannel      string        `mapstructure:"notify_channel"`
	TracingEnabled     bool          `mapstructure:"tracing_enabled"`
	Memory             bool          `mapstructure:"memory"`
}

var (
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required unless running in memory mode")
	ErrMissingJWTSecret   = errors.New("config: JWT_SECRET is required")
)

// envFiles are tried in order; the first one that loads wins.
var envFiles = []string{".env", "../.env"}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"addr":     "http_addr",
	"database": "database_url",
	"memory":   "memory",
	"tracing":  "tracing_enabled",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("outbox_poll_interval", time.Second)
	v.SetDefault("outbox_batch_size", 10)
	v.SetDefault("outbox_max_attempts", 5)
	v.SetDefault("verification_ttl", 10*time.Minute)
	v.SetDefault("notify_channel", "flow_state_changed")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("memory", false)
}

// Load reads configuration. path names an optional config file (yaml, json
// or toml); flags, when non-nil, override everything else for the keys in
// flagKeys that were set explicitly.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	for _, p := range envFiles {
		if err := godotenv.Load(p); err == nil {
			log.Printf("config: loaded %s", p)
			break
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("config: bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	return cfg, nil
}

// Validate checks the settings the server cannot run without.
func (c Config) Validate() error {
	if !c.Memory && c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("config: outbox batch size and max attempts must be positive")
	}
	if c.VerificationTTL <= 0 {
		return fmt.Errorf("config: verification ttl must be positive")
	}
	return nil
}
