package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	LogLevel  string
	LogFormat string

	ManagementAddr string
	ServicesFile   string

	DrainGracePeriod      time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	RequestTimeout        time.Duration
	CountPolicy           string

	RateLimit       int
	RateLimitWindow time.Duration

	PostgresEnabled  bool
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string
	AccessLogMaxAge  time.Duration

	S3ExportEnabled bool
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	ExportInterval  time.Duration
}

func Load() *Config {
	cfg := &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		ManagementAddr: getEnv("MANAGEMENT_ADDR", "127.0.0.1:6668"),
		ServicesFile:   getEnv("SERVICES_FILE", ""),

		DrainGracePeriod:      getEnvDuration("DRAIN_GRACE_PERIOD", 10*time.Second),
		DialTimeout:           getEnvDuration("BACKEND_DIAL_TIMEOUT", 5*time.Second),
		ResponseHeaderTimeout: getEnvDuration("BACKEND_RESPONSE_TIMEOUT", 30*time.Second),
		RequestTimeout:        getEnvDuration("BACKEND_REQUEST_TIMEOUT", 0),
		CountPolicy:           getEnv("COUNT_POLICY", "all"),

		RateLimit:       getEnvInt("RATE_LIMIT", 0),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		PostgresEnabled:  getEnvBool("POSTGRES_ENABLED", false),
		PostgresUser:     getEnv("POSTGRES_USER", "proxy"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "usage_proxy"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),
		AccessLogMaxAge:  getEnvDuration("ACCESS_LOG_MAX_AGE", 7*24*time.Hour),

		S3ExportEnabled: getEnvBool("S3_EXPORT_ENABLED", false),
		S3Bucket:        getEnv("S3_BUCKET", "usage-exports"),
		S3Region:        getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3AccessKey:     getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:     getEnv("AWS_SECRET_ACCESS_KEY", ""),
		ExportInterval:  getEnvDuration("EXPORT_INTERVAL", time.Hour),
	}

	if cfg.S3ExportEnabled && (cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
		panic("S3 export enabled but AWS credentials are not set")
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
