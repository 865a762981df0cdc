package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kinamba/erm-core/internal/middleware"
	"github.com/kinamba/erm-core/internal/rules"
)

const DefaultPath = "config/default.yaml"

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Host     string `yaml:"host"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"database"`

	Redis struct {
		Addr string `yaml:"addr"`
		Salt string `yaml:"salt"`
	} `yaml:"redis"`

	NATS struct {
		URL             string `yaml:"url"`
		PublishRetryMax int    `yaml:"publish_retry_max"`
	} `yaml:"nats"`

	JWT struct {
		SigningKey string `yaml:"signing_key"`
	} `yaml:"jwt"`

	Admission struct {
		SuppressionWindowSeconds int  `yaml:"suppression_window_seconds"`
		SuppressionMaxKeys       int  `yaml:"suppression_max_keys"`
		RequireApproval          bool `yaml:"require_approval"`
	} `yaml:"admission"`

	Rules rules.Policy `yaml:"rules"`

	Devices struct {
		SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`
		OfflineThresholdSeconds int `yaml:"offline_threshold_seconds"`
	} `yaml:"devices"`

	Audit struct {
		SpoolDir   string `yaml:"spool_dir"`
		SpoolMaxMB int64  `yaml:"spool_max_mb"`
	} `yaml:"audit"`

	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`
}

// Load reads the yaml file then applies env overrides. A missing file is
// not fatal; env plus defaults are enough to boot in dev.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Rules = rules.DefaultPolicy()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overlay(&cfg.Server.Port, "PORT")
	overlay(&cfg.Database.Host, "DB_HOST")
	overlay(&cfg.Database.User, "DB_USER")
	overlay(&cfg.Database.Password, "DB_PASSWORD")
	overlay(&cfg.Database.Name, "DB_NAME")
	overlay(&cfg.Redis.Addr, "REDIS_ADDR")
	overlay(&cfg.Redis.Salt, "RATE_LIMIT_SALT")
	overlay(&cfg.NATS.URL, "NATS_URL")
	overlay(&cfg.JWT.SigningKey, "JWT_SIGNING_KEY")
	overlay(&cfg.Audit.SpoolDir, "AUDIT_SPOOL_DIR")
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.JWT.SigningKey == "" {
		cfg.JWT.SigningKey = "dev-secret-do-not-use-in-prod"
	}
	if cfg.NATS.PublishRetryMax == 0 {
		cfg.NATS.PublishRetryMax = 3
	}
	if cfg.Admission.SuppressionWindowSeconds == 0 {
		cfg.Admission.SuppressionWindowSeconds = 60
	}
	if cfg.Admission.SuppressionMaxKeys == 0 {
		cfg.Admission.SuppressionMaxKeys = 4096
	}
	if cfg.Devices.SweepIntervalSeconds == 0 {
		cfg.Devices.SweepIntervalSeconds = 60
	}
	if cfg.Devices.OfflineThresholdSeconds == 0 {
		cfg.Devices.OfflineThresholdSeconds = 300
	}
	if cfg.Audit.SpoolMaxMB == 0 {
		cfg.Audit.SpoolMaxMB = 1024
	}
}

// DSN renders the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Name)
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Devices.SweepIntervalSeconds) * time.Second
}

func (c *Config) OfflineThreshold() time.Duration {
	return time.Duration(c.Devices.OfflineThresholdSeconds) * time.Second
}

func (c *Config) SuppressionWindow() time.Duration {
	return time.Duration(c.Admission.SuppressionWindowSeconds) * time.Second
}
