package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "OUTAGE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "outages.db"
	defaultLogLevel      = "info"
	defaultTimezone      = "Europe/Kyiv"
	defaultSyncInterval  = 5 * time.Minute
	defaultSourceTimeout = 20 * time.Second
	defaultDedupeWindow  = 10 * time.Minute
	defaultNotifyTimeout = 10 * time.Second
	defaultTokenTTL      = 12 * time.Hour
)

// ErrMissingOpsSecret indicates that the ops API was requested without a signing secret.
var ErrMissingOpsSecret = errors.New("ops.signing_secret is required")

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	Timezone      string
	Location      *time.Location
	SyncInterval  time.Duration
	MessagingURL  string
	WebsiteURL    string
	SourceTimeout time.Duration
	WebhookURL    string
	DedupeWindow  time.Duration
	NotifyTimeout time.Duration
	OpsSecret     string
	OpsTokenTTL   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("service.timezone", defaultTimezone)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sources.messaging.url", "")
	configViper.SetDefault("sources.website.url", "")
	configViper.SetDefault("sources.timeout", defaultSourceTimeout)
	configViper.SetDefault("notify.webhook_url", "")
	configViper.SetDefault("notify.dedupe_window", defaultDedupeWindow)
	configViper.SetDefault("notify.timeout", defaultNotifyTimeout)
	configViper.SetDefault("ops.signing_secret", "")
	configViper.SetDefault("ops.token_ttl", defaultTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	location, err := time.LoadLocation(strings.TrimSpace(cfg.Timezone))
	if err != nil {
		return AppConfig{}, fmt.Errorf("service.timezone: %w", err)
	}
	cfg.Location = location

	return cfg, nil
}

// LoadOps parses configuration for commands that only issue ops tokens. Source, database and
// sync settings are not validated.
func LoadOps(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.RequireOpsSecret(); err != nil {
		return AppConfig{}, err
	}
	if cfg.OpsTokenTTL <= 0 {
		return AppConfig{}, fmt.Errorf("ops.token_ttl must be positive")
	}
	return cfg, nil
}

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		Timezone:      configViper.GetString("service.timezone"),
		SyncInterval:  configViper.GetDuration("sync.interval"),
		MessagingURL:  strings.TrimSpace(configViper.GetString("sources.messaging.url")),
		WebsiteURL:    strings.TrimSpace(configViper.GetString("sources.website.url")),
		SourceTimeout: configViper.GetDuration("sources.timeout"),
		WebhookURL:    strings.TrimSpace(configViper.GetString("notify.webhook_url")),
		DedupeWindow:  configViper.GetDuration("notify.dedupe_window"),
		NotifyTimeout: configViper.GetDuration("notify.timeout"),
		OpsSecret:     configViper.GetString("ops.signing_secret"),
		OpsTokenTTL:   configViper.GetDuration("ops.token_ttl"),
	}
}

// RequireOpsSecret reports ErrMissingOpsSecret when the ops API cannot authenticate callers.
func (c AppConfig) RequireOpsSecret() error {
	if strings.TrimSpace(c.OpsSecret) == "" {
		return ErrMissingOpsSecret
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Timezone) == "" {
		return fmt.Errorf("service.timezone is required")
	}
	if c.MessagingURL == "" && c.WebsiteURL == "" {
		return fmt.Errorf("sources.messaging.url or sources.website.url is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SourceTimeout <= 0 {
		return fmt.Errorf("sources.timeout must be positive")
	}
	if c.OpsTokenTTL <= 0 {
		return fmt.Errorf("ops.token_ttl must be positive")
	}
	return nil
}
