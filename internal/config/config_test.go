package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sources.messaging.url", "http://parser.local/messaging")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != defaultDatabasePath || cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SyncInterval != 5*time.Minute || cfg.SourceTimeout != 20*time.Second {
		t.Fatalf("unexpected durations %s %s", cfg.SyncInterval, cfg.SourceTimeout)
	}
	if cfg.DedupeWindow != 10*time.Minute || cfg.NotifyTimeout != 10*time.Second {
		t.Fatalf("unexpected notify durations %s %s", cfg.DedupeWindow, cfg.NotifyTimeout)
	}
	if cfg.Location == nil {
		t.Fatalf("expected timezone to be resolved")
	}
	if !errors.Is(cfg.RequireOpsSecret(), ErrMissingOpsSecret) {
		t.Fatalf("expected ops secret to be reported missing")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("OUTAGE_SOURCES_WEBSITE_URL", "http://parser.local/website")
	t.Setenv("OUTAGE_SYNC_INTERVAL", "90s")
	t.Setenv("OUTAGE_SERVICE_TIMEZONE", "UTC")
	t.Setenv("OUTAGE_OPS_SIGNING_SECRET", "secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WebsiteURL != "http://parser.local/website" {
		t.Fatalf("unexpected website url %q", cfg.WebsiteURL)
	}
	if cfg.SyncInterval != 90*time.Second {
		t.Fatalf("unexpected interval %s", cfg.SyncInterval)
	}
	if cfg.Location.String() != "UTC" {
		t.Fatalf("unexpected location %s", cfg.Location)
	}
	if err := cfg.RequireOpsSecret(); err != nil {
		t.Fatalf("unexpected ops secret error: %v", err)
	}
}

func TestLoadOpsSkipsSourceValidation(t *testing.T) {
	configViper := NewViper()
	if _, err := LoadOps(configViper); !errors.Is(err, ErrMissingOpsSecret) {
		t.Fatalf("expected ErrMissingOpsSecret, got %v", err)
	}
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected full load to require a source url")
	}

	configViper.Set("ops.signing_secret", "secret")
	cfg, err := LoadOps(configViper)
	if err != nil {
		t.Fatalf("unexpected error without sources: %v", err)
	}
	if cfg.OpsSecret != "secret" || cfg.OpsTokenTTL != defaultTokenTTL {
		t.Fatalf("unexpected ops config %+v", cfg)
	}

	configViper.Set("ops.token_ttl", "0s")
	if _, err := LoadOps(configViper); err == nil {
		t.Fatalf("expected non-positive token ttl to be rejected")
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name   string
		values map[string]any
	}{
		{name: "no sources", values: map[string]any{}},
		{name: "empty database path", values: map[string]any{"sources.website.url": "http://x", "database.path": " "}},
		{name: "unknown timezone", values: map[string]any{"sources.website.url": "http://x", "service.timezone": "Mars/Olympus"}},
		{name: "zero interval", values: map[string]any{"sources.website.url": "http://x", "sync.interval": "0s"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
