package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	PaymentProvider      string
	ProcessorAPIKey      string
	ProcessorURL         string
	ProcessorFailureRate float64
	ProcessorLatency     time.Duration
	ProcessorTimeout     time.Duration

	MinTransactionAmount decimal.Decimal
	MaxTransactionAmount decimal.Decimal
	RefundsEnabled       bool

	SweepInterval      time.Duration
	StuckProcessingAge time.Duration

	WebhookURL      string
	EventBufferSize int
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:        dbSource,
		Port:            getString("SERVER_PORT", "8080"),
		Env:             getString("ENVIRONMENT", "development"),
		PaymentProvider: getString("PAYMENT_PROVIDER", "simulated"),
		ProcessorAPIKey: os.Getenv("PROCESSOR_API_KEY"),
		ProcessorURL:    os.Getenv("PROCESSOR_URL"),
		WebhookURL:      os.Getenv("WEBHOOK_URL"),
	}

	var err error
	if cfg.ProcessorFailureRate, err = getFloat("PROCESSOR_FAILURE_RATE", 0); err != nil {
		return nil, err
	}
	if cfg.ProcessorLatency, err = getMillis("PROCESSOR_LATENCY_MS", 0); err != nil {
		return nil, err
	}
	if cfg.ProcessorTimeout, err = getMillis("PROCESSOR_TIMEOUT_MS", 10_000); err != nil {
		return nil, err
	}
	if cfg.MinTransactionAmount, err = getDecimal("MIN_TRANSACTION_AMOUNT", "0.01"); err != nil {
		return nil, err
	}
	if cfg.MaxTransactionAmount, err = getDecimal("MAX_TRANSACTION_AMOUNT", "10000"); err != nil {
		return nil, err
	}
	if cfg.RefundsEnabled, err = getBool("REFUNDS_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getMillis("SWEEP_INTERVAL_MS", 60_000); err != nil {
		return nil, err
	}
	if cfg.StuckProcessingAge, err = getMillis("STUCK_PROCESSING_AGE_MS", 300_000); err != nil {
		return nil, err
	}
	if cfg.EventBufferSize, err = getInt("EVENT_BUFFER_SIZE", 256); err != nil {
		return nil, err
	}

	// The sweep must never pick up a transaction whose processor call is
	// still within its deadline.
	if cfg.StuckProcessingAge <= cfg.ProcessorTimeout {
		return nil, fmt.Errorf("STUCK_PROCESSING_AGE_MS (%s) must exceed PROCESSOR_TIMEOUT_MS (%s)",
			cfg.StuckProcessingAge, cfg.ProcessorTimeout)
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getMillis(key string, fallback int64) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback) * time.Millisecond, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
