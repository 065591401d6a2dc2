package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"pressdesk/backend/internal/outbox"
	"pressdesk/backend/internal/service"
	"pressdesk/backend/internal/sweep"
)

// Config maps one field per environment variable. Money settings stay
// strings until LedgerSettings parses them.
type Config struct {
	Port          string `mapstructure:"PORT"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	ManagerPIN            string `mapstructure:"MANAGER_PIN"`

	BootstrapAdminPassword string `mapstructure:"BOOTSTRAP_ADMIN_PASSWORD"`
	SeedDemoCatalog        bool   `mapstructure:"SEED_DEMO_CATALOG"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	HQEndpoint       string `mapstructure:"HQ_ENDPOINT"`
	HQSigningSecret  string `mapstructure:"HQ_SIGNING_SECRET"`
	HQTimeoutSeconds int    `mapstructure:"HQ_TIMEOUT_SECONDS"`

	OutboxIntervalSeconds int `mapstructure:"OUTBOX_INTERVAL_SECONDS"`
	OutboxBatchSize       int `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts     int `mapstructure:"OUTBOX_MAX_ATTEMPTS"`

	CashMismatchTolerance  string `mapstructure:"CASH_MISMATCH_TOLERANCE"`
	DuplicateWindowSeconds int    `mapstructure:"DUPLICATE_WINDOW_SECONDS"`
	FreeJobRatio           string `mapstructure:"FREE_JOB_RATIO"`
	DefaultMinutesPerUnit  int    `mapstructure:"DEFAULT_MINUTES_PER_UNIT"`
	PricingFallbackPrice   string `mapstructure:"PRICING_FALLBACK_PRICE"`
	QueueCacheTTLSeconds   int    `mapstructure:"QUEUE_CACHE_TTL_SECONDS"`

	ShiftInactivityHours int `mapstructure:"SHIFT_INACTIVITY_HOURS"`
	SweepIntervalMinutes int `mapstructure:"SWEEP_INTERVAL_MINUTES"`
}

// defaults registers every key with viper; keys viper has never seen are
// skipped by Unmarshal even when the env var is set. Secrets default to
// empty on purpose.
var defaults = map[string]any{
	"PORT":                     "8080",
	"ALLOWED_ORIGIN":           "http://127.0.0.1:3000",
	"DATABASE_URL":             "",
	"REDIS_ADDR":               "",
	"REDIS_PASSWORD":           "",
	"REDIS_DB":                 0,
	"AUTH_SECRET":              "",
	"ACCESS_TOKEN_TTL_MINUTES": 480,
	"MANAGER_PIN":              "",
	"BOOTSTRAP_ADMIN_PASSWORD": "",
	"SEED_DEMO_CATALOG":        false,
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "json",
	"HQ_ENDPOINT":              "",
	"HQ_SIGNING_SECRET":        "",
	"HQ_TIMEOUT_SECONDS":       5,
	"OUTBOX_INTERVAL_SECONDS":  2,
	"OUTBOX_BATCH_SIZE":        50,
	"OUTBOX_MAX_ATTEMPTS":      20,
	"CASH_MISMATCH_TOLERANCE":  "10.00",
	"DUPLICATE_WINDOW_SECONDS": 120,
	"FREE_JOB_RATIO":           "0.20",
	"DEFAULT_MINUTES_PER_UNIT": 30,
	"PRICING_FALLBACK_PRICE":   "0",
	"QUEUE_CACHE_TTL_SECONDS":  15,
	"SHIFT_INACTIVITY_HOURS":   16,
	"SWEEP_INTERVAL_MINUTES":   5,
}

// Load reads the environment plus an optional .env file in the working
// directory. A missing .env is not an error.
func Load() (Config, error) {
	return load(".")
}

func load(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	cfg.HQEndpoint = strings.TrimSpace(cfg.HQEndpoint)
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) HQTimeout() time.Duration {
	return time.Duration(c.HQTimeoutSeconds) * time.Second
}

// LedgerSettings parses the ledger tunables. Non-positive values fall back
// to the service defaults.
func (c Config) LedgerSettings() (service.Settings, error) {
	settings := service.Settings{
		DuplicateWindow:       time.Duration(c.DuplicateWindowSeconds) * time.Second,
		DefaultMinutesPerUnit: c.DefaultMinutesPerUnit,
		QueueCacheTTL:         time.Duration(c.QueueCacheTTLSeconds) * time.Second,
	}

	var err error
	if settings.CashMismatchTolerance, err = parseMoney("CASH_MISMATCH_TOLERANCE", c.CashMismatchTolerance); err != nil {
		return service.Settings{}, err
	}
	if settings.FreeJobRatio, err = parseMoney("FREE_JOB_RATIO", c.FreeJobRatio); err != nil {
		return service.Settings{}, err
	}
	if settings.FallbackPrice, err = parseMoney("PRICING_FALLBACK_PRICE", c.PricingFallbackPrice); err != nil {
		return service.Settings{}, err
	}
	if settings.FreeJobRatio.GreaterThan(decimal.NewFromInt(1)) {
		return service.Settings{}, fmt.Errorf("FREE_JOB_RATIO must be between 0 and 1, got %s", c.FreeJobRatio)
	}
	return settings, nil
}

func (c Config) OutboxOptions() outbox.Options {
	return outbox.Options{
		BatchSize:       c.OutboxBatchSize,
		Interval:        time.Duration(c.OutboxIntervalSeconds) * time.Second,
		MaxAttempts:     c.OutboxMaxAttempts,
		DeliveryTimeout: c.HQTimeout(),
	}
}

func (c Config) SweepOptions() sweep.Options {
	return sweep.Options{
		Interval:   time.Duration(c.SweepIntervalMinutes) * time.Minute,
		Inactivity: time.Duration(c.ShiftInactivityHours) * time.Hour,
	}
}

func parseMoney(key string, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative, got %s", key, raw)
	}
	return d, nil
}
