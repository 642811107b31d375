package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN   string
	RunMigrations bool
	RunSeed       bool

	// Cache
	RedisAddr      string
	ConfigCacheTTL time.Duration // default: 1m

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: "info"
	LogFormat            string // "json" or "console"

	// Rate Limiting
	IngestRateLimitRPM int64 // usage requests per tenant per minute, default: 6000

	// Metering
	StorageMaxAttempts uint          // default: 3
	ChannelTimeout     time.Duration // default: 5s
	RedeliveryInterval time.Duration // default: 1m
	RedeliveryWindow   time.Duration // default: 24h

	// Email channel
	SMTPHost     string
	SMTPPort     int // default: 587
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		SMTPHost:             os.Getenv("SMTP_HOST"),
		SMTPUser:             os.Getenv("SMTP_USER"),
		SMTPPassword:         os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:             getEnv("SMTP_FROM", "alerts@callmeter.local"),
	}

	var err error
	if cfg.IngestRateLimitRPM, err = parseInt("INGEST_RATE_LIMIT_RPM", "6000"); err != nil {
		return nil, err
	}
	attempts, err := parseInt("STORAGE_MAX_ATTEMPTS", "3")
	if err != nil {
		return nil, err
	}
	if attempts < 1 {
		return nil, fmt.Errorf("STORAGE_MAX_ATTEMPTS must be at least 1")
	}
	cfg.StorageMaxAttempts = uint(attempts)

	port, err := parseInt("SMTP_PORT", "587")
	if err != nil {
		return nil, err
	}
	cfg.SMTPPort = int(port)

	if cfg.ConfigCacheTTL, err = parseDuration("CONFIG_CACHE_TTL", "1m"); err != nil {
		return nil, err
	}
	if cfg.ChannelTimeout, err = parseDuration("CHANNEL_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if cfg.RedeliveryInterval, err = parseDuration("REDELIVERY_INTERVAL", "1m"); err != nil {
		return nil, err
	}
	if cfg.RedeliveryWindow, err = parseDuration("REDELIVERY_WINDOW", "24h"); err != nil {
		return nil, err
	}
	if cfg.RunMigrations, err = parseBool("RUN_MIGRATIONS", "false"); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = parseBool("RUN_SEED", "false"); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parseInt(key, fallback string) (int64, error) {
	v, err := strconv.ParseInt(getEnv(key, fallback), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseDuration(key, fallback string) (time.Duration, error) {
	v, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseBool(key, fallback string) (bool, error) {
	v, err := strconv.ParseBool(getEnv(key, fallback))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
