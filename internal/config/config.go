package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig is the process configuration. Values come from an optional YAML
// file (ARENA_CONFIG) overridden by environment variables.
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	StatusAddr string `yaml:"status_addr"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	TimeControlSec int `yaml:"time_control_sec"`
	GraceSec       int `yaml:"grace_sec"`
	OfferRetrySec  int `yaml:"offer_retry_sec"`
	RetentionSec   int `yaml:"retention_sec"`
}

func defaults() *AppConfig {
	return &AppConfig{
		ListenAddr:     ":8080",
		StatusAddr:     ":9090",
		TimeControlSec: 600,
		GraceSec:       15,
		OfferRetrySec:  2,
		RetentionSec:   300,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// ARENA_CONFIG (if any), then environment variables.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("ARENA_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("STATUS_ADDR")); v != "" {
		cfg.StatusAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TIME_CONTROL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeControlSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GRACE_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GraceSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OFFER_RETRY_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OfferRetrySec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETENTION_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RetentionSec = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}
