package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded {
		t.Fatal("loaded should be false for a missing file")
	}
	if cfg.Venue.Mode != ModeSim {
		t.Fatalf("default mode = %q", cfg.Venue.Mode)
	}
	if cfg.Venue.MaxRetries != 3 {
		t.Fatalf("default maxRetries = %d", cfg.Venue.MaxRetries)
	}
	if !cfg.Risk.MaxOrderValue.Equal(decimal.NewFromInt(50_000)) {
		t.Fatalf("default maxOrderValue = %s", cfg.Risk.MaxOrderValue)
	}
}

func TestLoadOrDefaultParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	body := `
environment: prod
venue:
  mode: live
  host: ib-gateway
  port: 4001
  clientId: 7
  connectTimeout: 30s
  maxRetries: 2
  retryDelay: 5s
risk:
  maxOrderValue: "25000"
  blockedSymbols: [GME, AMC]
  maxOrdersPerMinute: 10
monitor:
  interval: 15s
  priceWait: 3s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, loaded, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded {
		t.Fatal("loaded should be true")
	}
	if cfg.Venue.Mode != ModeLive || cfg.Venue.Host != "ib-gateway" || cfg.Venue.Port != 4001 {
		t.Fatalf("venue = %+v", cfg.Venue)
	}
	if cfg.Venue.ConnectTimeout.Std() != 30*time.Second {
		t.Fatalf("connectTimeout = %s", cfg.Venue.ConnectTimeout.Std())
	}
	if got := cfg.Monitor.Interval.Std(); got != 15*time.Second {
		t.Fatalf("interval = %s", got)
	}
	if len(cfg.Risk.BlockedSymbols) != 2 {
		t.Fatalf("blockedSymbols = %v", cfg.Risk.BlockedSymbols)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("VENUEGATE_VENUE_HOST", "override-host")
	t.Setenv("VENUEGATE_VENUE_PORT", "4002")

	cfg, _, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Venue.Host != "override-host" || cfg.Venue.Port != 4002 {
		t.Fatalf("venue = %+v", cfg.Venue)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Venue.Mode = "paper" }},
		{"bad port", func(c *Config) { c.Venue.Port = 0 }},
		{"zero retries", func(c *Config) { c.Venue.MaxRetries = 0 }},
		{"price wait exceeds interval", func(c *Config) {
			c.Monitor.PriceWait = Duration(20 * time.Second)
			c.Monitor.Interval = Duration(10 * time.Second)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
