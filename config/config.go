/*
Package config loads server configuration.

Layers, later wins:
  1. Defaults()
  2. YAML file (explicit path, or BILLING_CONFIG)
  3. .env in the working directory (never overrides the real environment)
  4. BILLING_* environment variables
  5. command-line flags, applied by cmd/server
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	HTTPAddr    string          `yaml:"http_addr"`
	MetricsAddr string          `yaml:"metrics_addr"`
	LogLevel    string          `yaml:"log_level"`
	Store       StoreConfig     `yaml:"store"`
	Billing     BillingConfig   `yaml:"billing"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BillingConfig tunes the engine.
type BillingConfig struct {
	GenerationWorkers int           `yaml:"generation_workers"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
}

// SchedulerConfig drives the periodic jobs.
type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	GenerationCron string `yaml:"generation_cron"`
	SweepCron      string `yaml:"sweep_cron"`
	Timezone       string `yaml:"timezone"`
}

// Defaults returns a configuration that runs locally with SQLite.
func Defaults() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: "",
		LogLevel:    "info",
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "./data/billing.db",
		},
		Billing: BillingConfig{
			GenerationWorkers: 8,
			LockTimeout:       5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			GenerationCron: "5 0 1 * *",
			SweepCron:      "15 0 * * *",
			Timezone:       "UTC",
		},
	}
}

// Load builds the configuration from file and environment. path may be
// empty, in which case BILLING_CONFIG is consulted.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("BILLING_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, "BILLING_HTTP_ADDR")
	setString(&c.MetricsAddr, "BILLING_METRICS_ADDR")
	setString(&c.LogLevel, "BILLING_LOG_LEVEL")
	setString(&c.Store.Driver, "BILLING_STORE_DRIVER")
	setString(&c.Store.SQLitePath, "BILLING_SQLITE_PATH")
	setString(&c.Store.PostgresDSN, "BILLING_PG_DSN")
	setString(&c.Scheduler.GenerationCron, "BILLING_GENERATION_CRON")
	setString(&c.Scheduler.SweepCron, "BILLING_SWEEP_CRON")
	setString(&c.Scheduler.Timezone, "BILLING_TIMEZONE")

	if v := os.Getenv("BILLING_GENERATION_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BILLING_GENERATION_WORKERS: %w", err)
		}
		c.Billing.GenerationWorkers = n
	}
	if v := os.Getenv("BILLING_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BILLING_LOCK_TIMEOUT: %w", err)
		}
		c.Billing.LockTimeout = d
	}
	if v := os.Getenv("BILLING_SCHEDULER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BILLING_SCHEDULER_ENABLED: %w", err)
		}
		c.Scheduler.Enabled = b
	}
	return nil
}

// Normalize canonicalizes values that are matched exactly elsewhere.
func (c *Config) Normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
}

// Validate checks cross-field constraints. Call Normalize first.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Billing.GenerationWorkers <= 0 {
		return errors.New("billing.generation_workers must be positive")
	}
	if c.Billing.LockTimeout <= 0 {
		return errors.New("billing.lock_timeout must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Scheduler.Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
