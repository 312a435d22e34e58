package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/irfan38431/nerf-showdown/go/internal/countdown"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCOREBOARD_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Match.Key != "nerf-war" || cfg.Port != "8080" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.DB.Database != "scoreboard" {
		t.Errorf("db name = %q, want scoreboard", cfg.DB.Database)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoreboard.yaml")
	yaml := `
port: "9090"
store:
  driver: nats
  nats_bucket: ARENA
match:
  key: arena-1
  countdown_policy: independent
  lease_ttl: 5s
database:
  host: pg.arena
  name: finals
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCOREBOARD_CONFIG", path)
	t.Setenv("PORT", "7070")
	t.Setenv("COUNTDOWN_LEASE_TTL", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	want := MatchConfig{
		Key:             "arena-1",
		CountdownPolicy: "independent",
		TickInterval:    time.Second,
		LeaseTTL:        4 * time.Second,
		RetryDelay:      500 * time.Millisecond,
		MaxRetryDelay:   10 * time.Second,
	}
	if diff := cmp.Diff(want, cfg.Match); diff != "" {
		t.Errorf("match config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Port != "7070" {
		t.Errorf("port = %q, env should win over file", cfg.Port)
	}
	if cfg.DB.Host != "pg.arena" || cfg.DB.Database != "finals" || cfg.DB.Port != 5432 {
		t.Errorf("db config = %+v, want file values over defaults", cfg.DB)
	}
	if cfg.NATS().Bucket != "ARENA" {
		t.Errorf("bucket = %q", cfg.NATS().Bucket)
	}

	sc := cfg.Scoreboard()
	if sc.Channel.Key != "arena-1" || sc.Countdown.Policy != countdown.PolicyIndependent || sc.Countdown.LeaseTTL != 4*time.Second {
		t.Errorf("scoreboard config = %+v", sc)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Store.Driver = "redis" }},
		{"key", func(c *Config) { c.Match.Key = "" }},
		{"policy", func(c *Config) { c.Match.CountdownPolicy = "chaos" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
