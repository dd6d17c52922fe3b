package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Redis     RedisConfig
	DynamoDB  DynamoDBConfig
	OTP       OTPConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	SMTP      SMTPConfig
	Purge     PurgeConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string

	// TrustProxy accepts X-Forwarded-For as the client origin. Leave off
	// unless a trusted reverse proxy sets the header, or clients can pick
	// their own rate-limit subject.
	TrustProxy bool
}

// StorageConfig selects the backing stores. "redis" keeps OTP sessions and
// rate-limit counters in Redis and identities/sessions in DynamoDB; "memory"
// runs everything in-process for development and tests.
type StorageConfig struct {
	Driver string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type OTPConfig struct {
	Expiry      time.Duration
	MaxAttempts int
	MaxResends  int
	BcryptCost  int
}

type SessionConfig struct {
	TTL          time.Duration
	CookieName   string
	CookieSecure bool
}

// RateLimitConfig bounds each operation per subject over a fixed window.
type RateLimitConfig struct {
	Window    time.Duration
	LoginMax  int
	VerifyMax int
	ResendMax int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type PurgeConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

type CORSConfig struct {
	AllowedOrigin string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			TrustProxy:   getEnvAsBool("TRUST_PROXY_HEADERS", false),
		},
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", "redis"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "AstroSenseAuth"),
		},
		OTP: OTPConfig{
			Expiry:      getEnvAsDuration("OTP_EXPIRY", 5*time.Minute),
			MaxAttempts: getEnvAsInt("OTP_MAX_ATTEMPTS", 10),
			MaxResends:  getEnvAsInt("OTP_MAX_RESENDS", 2),
			BcryptCost:  getEnvAsInt("OTP_BCRYPT_COST", bcrypt.DefaultCost),
		},
		Session: SessionConfig{
			TTL:          getEnvAsDuration("SESSION_TTL", 7*24*time.Hour),
			CookieName:   getEnv("SESSION_COOKIE_NAME", "session_token"),
			CookieSecure: getEnvAsBool("SESSION_COOKIE_SECURE", true),
		},
		RateLimit: RateLimitConfig{
			Window:    getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			LoginMax:  getEnvAsInt("RATE_LIMIT_LOGIN_MAX", 5),
			VerifyMax: getEnvAsInt("RATE_LIMIT_VERIFY_MAX", 15),
			ResendMax: getEnvAsInt("RATE_LIMIT_RESEND_MAX", 5),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "noreply@astrosense.com"),
		},
		Purge: PurgeConfig{
			Interval:  getEnvAsDuration("PURGE_INTERVAL", 15*time.Minute),
			Retention: getEnvAsDuration("PURGE_RETENTION", 24*time.Hour),
		},
		CORS: CORSConfig{
			AllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", "*"),
		},
	}

	if cfg.Storage.Driver != "redis" && cfg.Storage.Driver != "memory" {
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.Storage.Driver)
	}

	if cfg.OTP.BcryptCost < bcrypt.MinCost || cfg.OTP.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("OTP_BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	if cfg.OTP.MaxAttempts < 1 || cfg.OTP.MaxResends < 0 {
		return nil, fmt.Errorf("OTP attempt and resend limits must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
