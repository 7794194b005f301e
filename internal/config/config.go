package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sevigo/review-queue/internal/logger"
)

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	SSLMode         string
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ConsumerConfig tunes the inbox consumer.
type ConsumerConfig struct {
	ConsumerID       string
	Queues           []string
	MaxDeliveryCount int
	RetryDelay       time.Duration
	ClaimTimeout     time.Duration
	ReclaimMinIdle   time.Duration
	ProtectFor       time.Duration
	DrainTimeout     time.Duration
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Config holds the application's configuration values.
type Config struct {
	ServerPort      string
	Log             logger.Config
	Database        *DBConfig
	Redis           *RedisConfig
	Consumer        *ConsumerConfig
	Relay           *RelayConfig
	ProtectAgentURI string
}

// LoadConfig reads configuration from environment variables and a .env file,
// sets sensible defaults, and validates required fields. It uses the Viper
// library to handle configuration loading and precedence.
func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("LOG_OUTPUT", "stdout")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 5432)
	viper.SetDefault("DB_USER", "review_queue")
	viper.SetDefault("DB_NAME", "review_queue")
	viper.SetDefault("DB_SSL_MODE", "disable")
	viper.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	viper.SetDefault("DB_CONN_MAX_IDLE_TIME", "5m")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("CONSUMER_ID", "workflow-consumer")
	viper.SetDefault("CONSUMER_QUEUES", "workflow.code.review")
	viper.SetDefault("CONSUMER_MAX_DELIVERY_COUNT", 5)
	viper.SetDefault("CONSUMER_RETRY_DELAY", "30s")
	viper.SetDefault("CONSUMER_CLAIM_TIMEOUT", "30m")
	viper.SetDefault("CONSUMER_RECLAIM_MIN_IDLE", "5m")
	viper.SetDefault("CONSUMER_PROTECT_FOR", "15m")
	viper.SetDefault("CONSUMER_DRAIN_TIMEOUT", "2m")
	viper.SetDefault("RELAY_INTERVAL", "1s")
	viper.SetDefault("RELAY_BATCH_SIZE", 50)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", "error", err)
		}
	}

	if viper.GetString("DB_PASSWORD") == "" {
		return nil, fmt.Errorf("DB_PASSWORD must be set")
	}

	queues := strings.Split(viper.GetString("CONSUMER_QUEUES"), ",")
	for i, q := range queues {
		queues[i] = strings.TrimSpace(q)
	}

	logLevel := strings.ToLower(viper.GetString("LOG_LEVEL"))
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		slog.Warn("unrecognized log level, defaulting to info", "provided", logLevel)
		logLevel = "info"
	}

	return &Config{
		ServerPort: viper.GetString("SERVER_PORT"),
		Log: logger.Config{
			Level:  logLevel,
			Format: viper.GetString("LOG_FORMAT"),
			Output: viper.GetString("LOG_OUTPUT"),
		},
		Database: &DBConfig{
			Host:            viper.GetString("DB_HOST"),
			Port:            viper.GetInt("DB_PORT"),
			Username:        viper.GetString("DB_USER"),
			Password:        viper.GetString("DB_PASSWORD"),
			Database:        viper.GetString("DB_NAME"),
			SSLMode:         viper.GetString("DB_SSL_MODE"),
			ConnMaxLifetime: viper.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime: viper.GetDuration("DB_CONN_MAX_IDLE_TIME"),
		},
		Redis: &RedisConfig{
			Addr:     viper.GetString("REDIS_ADDR"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
		},
		Consumer: &ConsumerConfig{
			ConsumerID:       viper.GetString("CONSUMER_ID"),
			Queues:           queues,
			MaxDeliveryCount: viper.GetInt("CONSUMER_MAX_DELIVERY_COUNT"),
			RetryDelay:       viper.GetDuration("CONSUMER_RETRY_DELAY"),
			ClaimTimeout:     viper.GetDuration("CONSUMER_CLAIM_TIMEOUT"),
			ReclaimMinIdle:   viper.GetDuration("CONSUMER_RECLAIM_MIN_IDLE"),
			ProtectFor:       viper.GetDuration("CONSUMER_PROTECT_FOR"),
			DrainTimeout:     viper.GetDuration("CONSUMER_DRAIN_TIMEOUT"),
		},
		Relay: &RelayConfig{
			Interval:  viper.GetDuration("RELAY_INTERVAL"),
			BatchSize: viper.GetInt("RELAY_BATCH_SIZE"),
		},
		ProtectAgentURI: viper.GetString("ECS_AGENT_URI"),
	}, nil
}
