package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreRedis = "redis"
	StoreSQL   = "sql"
)

type Config struct {
	// Server configuration
	Environment string

	// Store configuration
	StoreDriver   string
	RedisURL      string
	RedisPoolSize int
	SQLDSN        string

	// Store resilience
	StoreMaxRetries   int
	StoreRetryBackoff time.Duration

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Moderators are superusers or records of this auth collection.
	ModeratorCollection string

	// Distributor configuration
	DistributorPollInterval time.Duration
	SubscriberBuffer        int
	ChangeBatchSize         int

	WSPingPeriod       time.Duration
	RateLimitPerMinute int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

// LoadConfig reads the environment, after loading a .env file from the
// working directory when one exists.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	return &Config{
		// Server
		Environment: getEnv("ENVIRONMENT", "development"),

		// Store
		StoreDriver:   getEnv("STORE_DRIVER", StoreRedis),
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPoolSize: getEnvAsInt("REDIS_POOL_SIZE", 100),
		SQLDSN:        getEnv("SQL_DSN", "file:stage.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),

		StoreMaxRetries:   getEnvAsInt("STORE_MAX_RETRIES", 3),
		StoreRetryBackoff: getEnvAsDuration("STORE_RETRY_BACKOFF", "50ms"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "stage-server"),

		ModeratorCollection: getEnv("MODERATOR_COLLECTION", "moderators"),

		// Distributor
		DistributorPollInterval: getEnvAsDuration("DISTRIBUTOR_POLL_INTERVAL", "500ms"),
		SubscriberBuffer:        getEnvAsInt("SUBSCRIBER_BUFFER", 256),
		ChangeBatchSize:         getEnvAsInt("CHANGE_BATCH_SIZE", 100),

		WSPingPeriod:       getEnvAsDuration("WS_PING_PERIOD", "30s"),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

// PubNubEnabled reports whether relay keys are configured.
func (c *Config) PubNubEnabled() bool {
	return c.PubNubPublishKey != "" && c.PubNubSubscribeKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
