package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	DBMaxConns    int
	AuthJWTSecret string
	CORSOrigins   []string
	CORSMaxAge    time.Duration

	// Slot and record locking
	LockBackend   string
	LockTTL       time.Duration
	LockWait      time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// AWS / asset relay
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	AssetBucket         string
	AssetPublicBaseURL  string
	AssetMaxBytes       int64
	AssetUploadTimeout  time.Duration

	// Outbox delivery
	EventsQueueURL     string
	OutboxInterval     time.Duration
	OutboxBatch        int
	ProcessedRetention time.Duration

	// Payment providers
	SquareWebhookKey     string
	SquareAccessToken    string
	SquareBaseURL        string
	StripeWebhookSecret  string
	RefundVelocityMax    int
	RefundVelocityWindow time.Duration

	// Per-caller throttle on appointment creation
	CreateRatePerSec float64
	CreateRateBurst  int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		DBMaxConns:    getEnvAsInt("DB_MAX_CONNS", 10),
		AuthJWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		CORSOrigins:   getEnvAsList("CORS_ALLOWED_ORIGINS"),
		CORSMaxAge:    getEnvAsDuration("CORS_MAX_AGE", 10*time.Minute),

		LockBackend:   strings.ToLower(strings.TrimSpace(getEnv("LOCK_BACKEND", "memory"))),
		LockTTL:       getEnvAsDuration("LOCK_TTL", 10*time.Second),
		LockWait:      getEnvAsDuration("LOCK_WAIT", 5*time.Second),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		AssetBucket:         getEnv("ASSET_BUCKET", ""),
		AssetPublicBaseURL:  getEnv("ASSET_PUBLIC_BASE_URL", ""),
		AssetMaxBytes:       int64(getEnvAsInt("ASSET_MAX_BYTES", 5<<20)),
		AssetUploadTimeout:  getEnvAsDuration("ASSET_UPLOAD_TIMEOUT", 20*time.Second),

		EventsQueueURL:     getEnv("EVENTS_QUEUE_URL", ""),
		OutboxInterval:     getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatch:        getEnvAsInt("OUTBOX_BATCH", 25),
		ProcessedRetention: getEnvAsDuration("PROCESSED_RETENTION", 30*24*time.Hour),

		SquareWebhookKey:     getEnv("SQUARE_WEBHOOK_SIGNATURE_KEY", ""),
		SquareAccessToken:    getEnv("SQUARE_ACCESS_TOKEN", ""),
		SquareBaseURL:        getEnv("SQUARE_BASE_URL", ""),
		StripeWebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
		RefundVelocityMax:    getEnvAsInt("REFUND_VELOCITY_MAX", 3),
		RefundVelocityWindow: getEnvAsDuration("REFUND_VELOCITY_WINDOW", 7*24*time.Hour),

		CreateRatePerSec: getEnvAsFloat("CREATE_RATE_PER_SEC", 1),
		CreateRateBurst:  getEnvAsInt("CREATE_RATE_BURST", 5),
	}
}

// UsesRedisLocks reports whether slot/record locks should be shared through Redis.
func (c *Config) UsesRedisLocks() bool {
	return c.LockBackend == "redis"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
