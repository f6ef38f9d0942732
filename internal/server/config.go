// Package server hosts the HTTP API: entitlement reads, checkout session
// creation, webhook ingestion, admin overrides and operational endpoints.
package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the process configuration, sourced from the environment with
// optional .env overrides for development.
type Config struct {
	BindAddress string
	Port        int

	DatabaseURL string
	RedisURL    string

	StripeAPIKey        string
	StripeWebhookSecret string
	WebhookSkew         time.Duration

	AdminKey string

	CacheTTL     time.Duration
	PastDueGrace time.Duration

	ReconcileEnabled  bool
	ReconcileHourUTC  int
	ReconcileLookback time.Duration

	CheckoutSuccessURL string
	CheckoutCancelURL  string

	LogLevel  string
	LogFormat string
}

// LoadConfig reads the environment. A .env file in the working directory is
// loaded first when present; real environment variables win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	cfg := &Config{
		BindAddress: envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:        envIntOrDefault("BILLING_PORT", 8080),

		DatabaseURL: os.Getenv("BILLING_DATABASE_URL"),
		RedisURL:    envOrDefault("BILLING_REDIS_URL", "redis://127.0.0.1:6379/0"),

		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookSkew:         envSecondsOrDefault("WEBHOOK_SKEW_TOLERANCE_SECONDS", 5*time.Minute),

		AdminKey: os.Getenv("BILLING_ADMIN_KEY"),

		CacheTTL:     envSecondsOrDefault("CACHE_TTL_SECONDS", 5*time.Minute),
		PastDueGrace: envSecondsOrDefault("PASTDUE_GRACE_SECONDS", 0),

		ReconcileEnabled:  envBoolOrDefault("RECONCILE_ENABLED", true),
		ReconcileHourUTC:  envIntOrDefault("RECONCILE_HOUR_UTC", 3),
		ReconcileLookback: time.Duration(envIntOrDefault("RECONCILE_LOOKBACK_DAYS", 7)) * 24 * time.Hour,

		CheckoutSuccessURL: os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:  os.Getenv("CHECKOUT_CANCEL_URL"),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "auto"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("BILLING_DATABASE_URL is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.AdminKey == "" {
		return fmt.Errorf("BILLING_ADMIN_KEY is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT %d out of range", c.Port)
	}
	if c.ReconcileHourUTC < 0 || c.ReconcileHourUTC > 23 {
		return fmt.Errorf("RECONCILE_HOUR_UTC %d out of range", c.ReconcileHourUTC)
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("invalid integer in environment, using default")
		return fallback
	}
	return v
}

func envSecondsOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		log.Warn().Str("key", key).Str("value", raw).Msg("invalid seconds value in environment, using default")
		return fallback
	}
	return time.Duration(v) * time.Second
}

func envBoolOrDefault(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	log.Warn().Str("key", key).Str("value", raw).Msg("invalid boolean in environment, using default")
	return fallback
}
