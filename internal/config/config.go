// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Engine
	FraudThreshold       float64 // REVIEW/APPROVE boundary; values in (0, 1] are a fraction of 100
	FraudTimezone        string  // IANA zone for the time-of-day check, "Local" for the host zone
	ProfileTTL           time.Duration
	ProfileSweepInterval time.Duration

	// Enrichment
	GeoIPCityDB string // Path to a GeoLite2/GeoIP2 City mmdb (optional)

	// Kafka ingest (optional, disabled when no brokers are set)
	KafkaBrokers           []string
	KafkaTransactionsTopic string
	KafkaResultsTopic      string
	KafkaDLQTopic          string
	KafkaGroupID           string
	KafkaWorkers           int

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string // Admin API secret (optional; admin routes are open when empty outside production)
	RateLimitRPM int
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultFraudThreshold       = 0.75
	DefaultFraudTimezone        = "Local"
	DefaultProfileTTL           = 24 * time.Hour
	DefaultProfileSweepInterval = 5 * time.Minute
	DefaultTransactionsTopic    = "transactions"
	DefaultResultsTopic         = "fraud-results"
	DefaultKafkaGroupID         = "fraudgate"
	DefaultKafkaWorkers         = 4
	DefaultRateLimitRPM         = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FraudThreshold:         getEnvFloat("FRAUD_THRESHOLD", DefaultFraudThreshold),
		FraudTimezone:          getEnv("FRAUD_TIMEZONE", DefaultFraudTimezone),
		ProfileTTL:             getEnvDuration("PROFILE_TTL", DefaultProfileTTL),
		ProfileSweepInterval:   getEnvDuration("PROFILE_SWEEP_INTERVAL", DefaultProfileSweepInterval),
		GeoIPCityDB:            os.Getenv("GEOIP_CITY_DB"),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS"),
		KafkaTransactionsTopic: getEnv("KAFKA_TRANSACTIONS_TOPIC", DefaultTransactionsTopic),
		KafkaResultsTopic:      getEnv("KAFKA_RESULTS_TOPIC", DefaultResultsTopic),
		KafkaDLQTopic:          os.Getenv("KAFKA_DLQ_TOPIC"),
		KafkaGroupID:           getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		KafkaWorkers:           int(getEnvInt64("KAFKA_WORKERS", DefaultKafkaWorkers)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.FraudThreshold <= 0 || c.FraudThreshold > 100 {
		return fmt.Errorf("FRAUD_THRESHOLD must be in (0, 1] or (1, 100], got %v", c.FraudThreshold)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("FRAUD_TIMEZONE: %w", err)
	}
	if c.ProfileTTL <= 0 {
		return fmt.Errorf("PROFILE_TTL must be positive")
	}
	if c.ProfileSweepInterval <= 0 {
		return fmt.Errorf("PROFILE_SWEEP_INTERVAL must be positive")
	}
	if len(c.KafkaBrokers) > 0 {
		if c.KafkaTransactionsTopic == "" || c.KafkaResultsTopic == "" {
			return fmt.Errorf("KAFKA_TRANSACTIONS_TOPIC and KAFKA_RESULTS_TOPIC are required when KAFKA_BROKERS is set")
		}
		if c.KafkaWorkers < 1 {
			return fmt.Errorf("KAFKA_WORKERS must be at least 1")
		}
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// Location resolves FraudTimezone.
func (c *Config) Location() (*time.Location, error) {
	if c.FraudTimezone == "" || c.FraudTimezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.FraudTimezone)
}

// KafkaEnabled reports whether stream ingest is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
