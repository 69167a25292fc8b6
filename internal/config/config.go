// Package config provides environment configuration management.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config holds all environment configuration for the payout engine.
type Config struct {
	Port        string `env:"PORT"          envDefault:"8085"`
	DatabaseURL string `env:"DATABASE_URL"  envDefault:""`
	RedisAddr   string `env:"REDIS_ADDR"    envDefault:""`
	NATSURL     string `env:"NATS_URL"      envDefault:""`
	TronNodeURL string `env:"TRON_NODE_URL" envDefault:"http://localhost:8090"`
	HotWallet   string `env:"HOT_WALLET_ADDRESS" envDefault:""`
	LogLevel    string `env:"LOG_LEVEL"     envDefault:"info"`

	MinAmount  string `env:"PAYOUT_MIN_AMOUNT"   envDefault:"1"`
	MaxAmount  string `env:"PAYOUT_MAX_AMOUNT"   envDefault:"10000"`
	FeePercent string `env:"PAYOUT_FEE_PERCENT"  envDefault:"1"`

	DailyLimit       string        `env:"PAYOUT_DAILY_LIMIT"       envDefault:"100000"`
	HourlyLimit      string        `env:"PAYOUT_HOURLY_LIMIT"      envDefault:"10000"`
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"10"`
	SuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"3"`
	RecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT"  envDefault:"5m"`

	MaxConcurrent   int64         `env:"PAYOUT_MAX_CONCURRENT" envDefault:"10"`
	RetryAttempts   int           `env:"RETRY_MAX_ATTEMPTS"    envDefault:"3"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY"      envDefault:"1s"`
	RetryMaxDelay   time.Duration `env:"RETRY_MAX_DELAY"       envDefault:"30s"`
	RetryJitter     float64       `env:"RETRY_JITTER"          envDefault:"0.2"`
	MaxBatchSize    int           `env:"PAYOUT_MAX_BATCH_SIZE" envDefault:"100"`
	BatchMinAmount  string        `env:"BATCH_MIN_AMOUNT"      envDefault:"10"`
	SchedulerTick   time.Duration `env:"SCHEDULER_TICK"        envDefault:"5s"`

	PollInterval          time.Duration `env:"CONFIRM_POLL_INTERVAL"  envDefault:"30s"`
	ConfirmationThreshold int           `env:"CONFIRMATION_BLOCKS"    envDefault:"19"`
	NotFoundGrace         time.Duration `env:"TX_NOT_FOUND_GRACE"     envDefault:"2m"`
	ConfirmTimeout        time.Duration `env:"CONFIRM_TIMEOUT"        envDefault:"15m"`
	PayoutDeadline        time.Duration `env:"PAYOUT_DEADLINE"        envDefault:"30m"`

	ReferenceTTL time.Duration `env:"REFERENCE_TTL" envDefault:"720h"`
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decimal parses one of the decimal-valued fields.
func Decimal(s, name string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return d, nil
}
