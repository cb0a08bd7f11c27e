// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Marketplace fee policy, in basis points of the listing price.
	// buyer pays price + buyerFee; seller receives price - sellerFee.
	BuyerFeeBps  int64
	SellerFeeBps int64
	Currency     string

	// Lifecycle windows
	ReviewWindow    time.Duration // delivered -> auto-complete
	PaymentWindow   time.Duration // pending -> auto-cancel
	DisputeDeadline time.Duration // open dispute -> auto-resolve buyer_favor
	SweepInterval   time.Duration // timer tick for the above

	// Payments (Stripe)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "USD"
	DefaultBuyerFeeBps     = 1000 // 10%
	DefaultSellerFeeBps    = 1000 // 10%
	DefaultTokenTTL        = 24 * time.Hour
	DefaultReviewWindow    = 72 * time.Hour
	DefaultPaymentWindow   = 24 * time.Hour
	DefaultDisputeDeadline = 48 * time.Hour
	DefaultSweepInterval   = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		TokenTTL:            getEnvDuration("TOKEN_TTL", DefaultTokenTTL),
		BuyerFeeBps:         getEnvInt64("BUYER_FEE_BPS", DefaultBuyerFeeBps),
		SellerFeeBps:        getEnvInt64("SELLER_FEE_BPS", DefaultSellerFeeBps),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		ReviewWindow:        getEnvDuration("REVIEW_WINDOW", DefaultReviewWindow),
		PaymentWindow:       getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow),
		DisputeDeadline:     getEnvDuration("DISPUTE_DEADLINE", DefaultDisputeDeadline),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Env == "production" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.BuyerFeeBps < 0 || c.BuyerFeeBps > 10000 {
		return fmt.Errorf("BUYER_FEE_BPS out of range: %d", c.BuyerFeeBps)
	}
	if c.SellerFeeBps < 0 || c.SellerFeeBps > 10000 {
		return fmt.Errorf("SELLER_FEE_BPS out of range: %d", c.SellerFeeBps)
	}
	if c.DisputeDeadline <= 0 {
		return fmt.Errorf("DISPUTE_DEADLINE must be positive")
	}
	return nil
}

// IsProduction returns true in production env
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
