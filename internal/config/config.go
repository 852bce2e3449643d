package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	LogFormat          string
	DatabaseURL        string
	DBMaxConns         int
	UseMemoryStore     bool
	ClinicTimezone     string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	StaffJWTSecret     string

	// Queue counter semantics. When true, total_patients_today counts
	// bookings only and is never decremented on completion.
	TotalCountsBookings bool
	IdempotencyTTL      time.Duration
	DisplayCacheTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	QueueEventsURL     string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	ArchiveBucket       string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DBMaxConns:          getEnvAsInt("DB_MAX_CONNS", 10),
		UseMemoryStore:      getEnvAsBool("USE_MEMORY_STORE", false),
		ClinicTimezone:      getEnv("CLINIC_TIMEZONE", "UTC"),
		CORSAllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:        getEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:      getEnvAsInt("RATE_LIMIT_BURST", 20),
		StaffJWTSecret:      getEnv("STAFF_JWT_SECRET", ""),
		TotalCountsBookings: getEnvAsBool("QUEUE_TOTAL_COUNTS_BOOKINGS", false),
		IdempotencyTTL:      getEnvAsDuration("BOOKING_IDEMPOTENCY_TTL", 24*time.Hour),
		DisplayCacheTTL:     getEnvAsDuration("QUEUE_DISPLAY_TTL", 36*time.Hour),
		RedisAddr:           getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisTLS:            getEnvAsBool("REDIS_TLS", false),
		OutboxPollInterval:  getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:     getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
		QueueEventsURL:      getEnv("QUEUE_EVENTS_SQS_URL", ""),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ArchiveBucket:       getEnv("QUEUE_ARCHIVE_BUCKET", ""),
	}
}

// Location resolves ClinicTimezone, falling back to UTC for unknown zones.
// Queue days roll over at local midnight in this zone.
func (c *Config) Location() *time.Location {
	if c == nil || c.ClinicTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
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

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
