/**
 * @description
 * This file handles configuration management for the accrual-service.
 * It loads settings from environment variables (and an optional .env file),
 * providing defaults for schedules, pool sizes and cutoffs.
 */
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the accrual service.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL        string        `mapstructure:"REDIS_URL"`
	RedisLockPrefix string        `mapstructure:"REDIS_LOCK_PREFIX"`
	UserLockTTL     time.Duration `mapstructure:"USER_LOCK_TTL"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange string `mapstructure:"NOTIFICATION_EXCHANGE"`

	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`

	BusinessTimezone        string        `mapstructure:"BUSINESS_TIMEZONE"`
	AccrualJobSchedule      string        `mapstructure:"ACCRUAL_JOB_SCHEDULE"`
	AccrualRetryJobSchedule string        `mapstructure:"ACCRUAL_RETRY_JOB_SCHEDULE"`
	AccrualWorkers          int           `mapstructure:"ACCRUAL_WORKERS"`
	AccrualPageSize         int           `mapstructure:"ACCRUAL_PAGE_SIZE"`
	AccrualMaxUsers         int           `mapstructure:"ACCRUAL_MAX_USERS"`
	AccrualRunTimeout       time.Duration `mapstructure:"ACCRUAL_RUN_TIMEOUT"`
	AccrualCommitRetries    int           `mapstructure:"ACCRUAL_COMMIT_RETRIES"`

	NotifyQueueSize    int           `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifyWorkers      int           `mapstructure:"NOTIFY_WORKERS"`
	NotifyMaxAttempts  int           `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Location resolves the business timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.BusinessTimezone))
	if err != nil || c.BusinessTimezone == "" {
		return time.UTC
	}
	return loc
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("DB_MIN_CONNS", 2)
	viper.SetDefault("REDIS_LOCK_PREFIX", "recoverly:accrual")
	viper.SetDefault("USER_LOCK_TTL", "2m")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "recoverly.events")
	viper.SetDefault("BUSINESS_TIMEZONE", "UTC")
	viper.SetDefault("ACCRUAL_JOB_SCHEDULE", "5 0 * * *")        // At 00:05 every day.
	viper.SetDefault("ACCRUAL_RETRY_JOB_SCHEDULE", "35 0 * * *") // At 00:35, picks up users the first run missed.
	viper.SetDefault("ACCRUAL_WORKERS", 8)
	viper.SetDefault("ACCRUAL_PAGE_SIZE", 200)
	viper.SetDefault("ACCRUAL_MAX_USERS", 0)
	viper.SetDefault("ACCRUAL_RUN_TIMEOUT", "30m")
	viper.SetDefault("ACCRUAL_COMMIT_RETRIES", 3)
	viper.SetDefault("NOTIFY_QUEUE_SIZE", 1024)
	viper.SetDefault("NOTIFY_WORKERS", 4)
	viper.SetDefault("NOTIFY_MAX_ATTEMPTS", 3)
	viper.SetDefault("OUTBOX_POLL_INTERVAL", "5s")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "REDIS_LOCK_PREFIX", "USER_LOCK_TTL",
		"RABBITMQ_URL", "NOTIFICATION_EXCHANGE",
		"INTERNAL_API_KEY", "JWT_SECRET",
		"BUSINESS_TIMEZONE", "ACCRUAL_JOB_SCHEDULE", "ACCRUAL_RETRY_JOB_SCHEDULE",
		"ACCRUAL_WORKERS", "ACCRUAL_PAGE_SIZE", "ACCRUAL_MAX_USERS", "ACCRUAL_RUN_TIMEOUT", "ACCRUAL_COMMIT_RETRIES",
		"NOTIFY_QUEUE_SIZE", "NOTIFY_WORKERS", "NOTIFY_MAX_ATTEMPTS", "OUTBOX_POLL_INTERVAL",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		_ = viper.BindEnv(key)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Render and most PaaS hosts inject PORT.
	if port := strings.TrimSpace(viper.GetString("PORT")); port != "" {
		config.ServerPort = port
	}

	config.normalize()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.NotificationExchange = strings.TrimSpace(c.NotificationExchange)
	if c.AccrualWorkers < 1 {
		c.AccrualWorkers = 1
	}
	if c.AccrualPageSize < 1 {
		c.AccrualPageSize = 200
	}
	if c.AccrualMaxUsers < 0 {
		c.AccrualMaxUsers = 0
	}
	if c.AccrualCommitRetries < 1 {
		c.AccrualCommitRetries = 1
	}
	if c.NotifyWorkers < 1 {
		c.NotifyWorkers = 1
	}
	if c.NotifyMaxAttempts < 1 {
		c.NotifyMaxAttempts = 1
	}
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if _, err := time.LoadLocation(strings.TrimSpace(c.BusinessTimezone)); err != nil {
		return fmt.Errorf("BUSINESS_TIMEZONE: %w", err)
	}
	if _, err := cron.ParseStandard(c.AccrualJobSchedule); err != nil {
		return fmt.Errorf("ACCRUAL_JOB_SCHEDULE: %w", err)
	}
	if strings.TrimSpace(c.AccrualRetryJobSchedule) != "" {
		if _, err := cron.ParseStandard(c.AccrualRetryJobSchedule); err != nil {
			return fmt.Errorf("ACCRUAL_RETRY_JOB_SCHEDULE: %w", err)
		}
	}
	return nil
}
