package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/herald/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logger    logger.Config   `yaml:"logger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Notify    NotifyConfig    `yaml:"notify"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"` // postgres, mysql or memory
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// Memory keeps jobs in process memory instead of Redis (development only).
	Memory bool `yaml:"memory"`
}

type SchedulerConfig struct {
	Enabled           *bool  `yaml:"enabled"`
	SweepInterval     string `yaml:"sweep_interval"`
	ExpiryInterval    string `yaml:"expiry_interval"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	ClaimTimeout      string `yaml:"claim_timeout"`
	PublishTimeout    string `yaml:"publish_timeout"`
	StatsInterval     string `yaml:"stats_interval"`
	BatchSize         int    `yaml:"batch_size"`
	Concurrency       int    `yaml:"concurrency"`
	NextPreview       int    `yaml:"next_preview"`
}

// IsEnabled reports whether the background loops should run. Unset means enabled.
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Durations returns the parsed scheduler intervals and timeouts.
func (s SchedulerConfig) Durations() (SchedulerDurations, error) {
	var d SchedulerDurations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sweep_interval", s.SweepInterval, &d.SweepInterval},
		{"expiry_interval", s.ExpiryInterval, &d.ExpiryInterval},
		{"reconcile_interval", s.ReconcileInterval, &d.ReconcileInterval},
		{"claim_timeout", s.ClaimTimeout, &d.ClaimTimeout},
		{"publish_timeout", s.PublishTimeout, &d.PublishTimeout},
		{"stats_interval", s.StatsInterval, &d.StatsInterval},
	}
	for _, f := range fields {
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return d, fmt.Errorf("invalid scheduler.%s %q: %w", f.name, f.raw, err)
		}
		if v <= 0 {
			return d, fmt.Errorf("invalid scheduler.%s %q: must be positive", f.name, f.raw)
		}
		*f.dst = v
	}
	return d, nil
}

type SchedulerDurations struct {
	SweepInterval     time.Duration
	ExpiryInterval    time.Duration
	ReconcileInterval time.Duration
	ClaimTimeout      time.Duration
	PublishTimeout    time.Duration
	StatsInterval     time.Duration
}

type DeliveryConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	NATS     NATSConfig     `yaml:"nats"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Token      string `yaml:"token"`
	APIURL     string `yaml:"api_url"`
	RatePerSec int    `yaml:"rate_per_sec"`
	Offline    bool   `yaml:"offline"`
}

type WebhookConfig struct {
	Enabled bool              `yaml:"enabled"`
	Timeout string            `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type NotifyConfig struct {
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
	NATSEnabled       bool   `yaml:"nats_enabled"`
	TelegramChatID    int64  `yaml:"telegram_chat_id"`
	Timeout           string `yaml:"timeout"`
}

type AuthConfig struct {
	APIKey     string `yaml:"api_key"`
	TOTPSecret string `yaml:"totp_secret"`
}

// Enabled reports whether the operator API requires credentials.
func (a AuthConfig) Enabled() bool {
	return a.APIKey != "" || a.TOTPSecret != ""
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if _, err := cfg.Scheduler.Durations(); err != nil {
		return nil, err
	}
	if _, err := time.ParseDuration(cfg.Delivery.Webhook.Timeout); err != nil {
		return nil, fmt.Errorf("invalid delivery.webhook.timeout %q: %w", cfg.Delivery.Webhook.Timeout, err)
	}
	if _, err := time.ParseDuration(cfg.Notify.Timeout); err != nil {
		return nil, fmt.Errorf("invalid notify.timeout %q: %w", cfg.Notify.Timeout, err)
	}
	switch cfg.Database.Type {
	case "postgres", "mysql", "memory":
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		if cfg.Database.Type == "mysql" {
			cfg.Database.Port = 3306
		} else {
			cfg.Database.Port = 5432
		}
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "herald:jobs"
	}
	if cfg.Scheduler.SweepInterval == "" {
		cfg.Scheduler.SweepInterval = "1m"
	}
	if cfg.Scheduler.ExpiryInterval == "" {
		cfg.Scheduler.ExpiryInterval = "1h"
	}
	if cfg.Scheduler.ReconcileInterval == "" {
		cfg.Scheduler.ReconcileInterval = "10m"
	}
	if cfg.Scheduler.ClaimTimeout == "" {
		cfg.Scheduler.ClaimTimeout = "5m"
	}
	if cfg.Scheduler.PublishTimeout == "" {
		cfg.Scheduler.PublishTimeout = "30s"
	}
	if cfg.Scheduler.StatsInterval == "" {
		cfg.Scheduler.StatsInterval = "30s"
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Scheduler.Concurrency <= 0 {
		cfg.Scheduler.Concurrency = 8
	}
	if cfg.Scheduler.NextPreview <= 0 {
		cfg.Scheduler.NextPreview = 10
	}
	if cfg.Delivery.Telegram.RatePerSec <= 0 {
		cfg.Delivery.Telegram.RatePerSec = 25
	}
	if cfg.Delivery.Webhook.Timeout == "" {
		cfg.Delivery.Webhook.Timeout = "10s"
	}
	if cfg.Delivery.NATS.URL == "" {
		cfg.Delivery.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Delivery.NATS.SubjectPrefix == "" {
		cfg.Delivery.NATS.SubjectPrefix = "herald.deliveries"
	}
	if cfg.Notify.NATSSubjectPrefix == "" {
		cfg.Notify.NATSSubjectPrefix = "herald.events"
	}
	if cfg.Notify.Timeout == "" {
		cfg.Notify.Timeout = "10s"
	}
}
