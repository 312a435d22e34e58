// Package config assembles server settings from defaults, an optional YAML
// file named by SCOREBOARD_CONFIG, and environment variables, in that order
// of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/irfan38431/nerf-showdown/go/internal/countdown"
	"github.com/irfan38431/nerf-showdown/go/internal/dbconfig"
	"github.com/irfan38431/nerf-showdown/go/internal/docstore/natsstore"
	"github.com/irfan38431/nerf-showdown/go/internal/scoreboard"
	"github.com/irfan38431/nerf-showdown/go/internal/syncchan"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
)

type Config struct {
	Port     string      `yaml:"port"`
	LogLevel string      `yaml:"log_level"`
	Store    StoreConfig `yaml:"store"`
	Match    MatchConfig `yaml:"match"`

	DB dbconfig.Config `yaml:"database"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver"`
	NATSURL    string `yaml:"nats_url"`
	NATSBucket string `yaml:"nats_bucket"`
}

type MatchConfig struct {
	Key             string        `yaml:"key"`
	CountdownPolicy string        `yaml:"countdown_policy"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay"`
}

// Default returns the built-in settings.
func Default() Config {
	ch := syncchan.DefaultConfig()
	cd := countdown.DefaultConfig()
	nc := natsstore.DefaultConfig()
	return Config{
		Port:     "8080",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:     DriverMemory,
			NATSURL:    nc.URL,
			NATSBucket: nc.Bucket,
		},
		Match: MatchConfig{
			Key:             ch.Key,
			CountdownPolicy: string(cd.Policy),
			TickInterval:    cd.TickInterval,
			LeaseTTL:        cd.LeaseTTL,
			RetryDelay:      ch.RetryDelay,
			MaxRetryDelay:   ch.MaxRetryDelay,
		},
		DB: dbconfig.Default(),
	}
}

// Load reads .env when present, then the YAML overlay, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := Default()
	if path := os.Getenv("SCOREBOARD_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.NATSURL = getEnv("NATS_URL", cfg.Store.NATSURL)
	cfg.Store.NATSBucket = getEnv("NATS_BUCKET", cfg.Store.NATSBucket)
	cfg.Match.Key = getEnv("MATCH_KEY", cfg.Match.Key)
	cfg.Match.CountdownPolicy = getEnv("COUNTDOWN_POLICY", cfg.Match.CountdownPolicy)
	cfg.Match.LeaseTTL = getEnvAsDuration("COUNTDOWN_LEASE_TTL", cfg.Match.LeaseTTL)
	cfg.DB = dbconfig.ApplyEnv(cfg.DB)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverPostgres, DriverNATS:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Match.Key == "" {
		return fmt.Errorf("match key must not be empty")
	}
	if _, err := countdown.ParsePolicy(c.Match.CountdownPolicy); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// Level returns the configured log level, info when unparsable.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// Scoreboard builds the client configuration.
func (c Config) Scoreboard() scoreboard.Config {
	sc := scoreboard.DefaultConfig()
	sc.Channel.Key = c.Match.Key
	if c.Match.RetryDelay > 0 {
		sc.Channel.RetryDelay = c.Match.RetryDelay
	}
	if c.Match.MaxRetryDelay > 0 {
		sc.Channel.MaxRetryDelay = c.Match.MaxRetryDelay
	}

	policy, err := countdown.ParsePolicy(c.Match.CountdownPolicy)
	if err == nil {
		sc.Countdown.Policy = policy
	}
	if c.Match.TickInterval > 0 {
		sc.Countdown.TickInterval = c.Match.TickInterval
	}
	if c.Match.LeaseTTL > 0 {
		sc.Countdown.LeaseTTL = c.Match.LeaseTTL
	}
	return sc
}

// NATS builds the KV store configuration.
func (c Config) NATS() natsstore.Config {
	nc := natsstore.DefaultConfig()
	nc.URL = c.Store.NATSURL
	nc.Bucket = c.Store.NATSBucket
	return nc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("3s") or whole seconds ("3").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs := getEnvAsInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
