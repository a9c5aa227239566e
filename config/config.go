package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Email     EmailConfig
	Dispatch  DispatchConfig
	Queue     QueueConfig
	Validator ValidatorConfig
}

// ServerConfig holds HTTP settings for the submission API and the worker's metrics listener.
type ServerConfig struct {
	Port            string
	ReadTimeout     int
	WriteTimeout    int
	MetricsAddr     string // worker only; empty disables /metrics
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings for the delivery audit store.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/mailer?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds the queue backend connection URL.
type RedisConfig struct {
	URL string // redis://[:password@]host:port/db
}

// JWTConfig holds the shared secret for service tokens presented by the web application.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// EmailConfig holds SMTP transport and sender settings.
type EmailConfig struct {
	FromAddress string
	FromName    string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	PoolSize    int
	SendTimeout time.Duration
}

// DispatchConfig bounds per-campaign fan-out.
type DispatchConfig struct {
	Concurrency int
	MaxAttempts int
	RetryStep   time.Duration
	RetryMax    time.Duration
}

// QueueConfig holds job lock and stall detection settings.
type QueueConfig struct {
	LockDuration    time.Duration
	StalledInterval time.Duration
}

// ValidatorConfig holds MX lookup settings.
type ValidatorConfig struct {
	LookupTimeout time.Duration
	CacheTTL      time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:    getEnvInt("WRITE_TIMEOUT_SEC", 30),
			MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 90*time.Second),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "mailer"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 20),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Email: EmailConfig{
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@example.com"),
			FromName:    getEnv("EMAIL_FROM_NAME", "Simplify.AI"),
			SMTPHost:    getEnv("SMTP_HOST", "localhost"),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASS", ""),
			PoolSize:    getEnvInt("SMTP_POOL_SIZE", 100),
			SendTimeout: getEnvDuration("SMTP_SEND_TIMEOUT", 30*time.Second),
		},
		Dispatch: DispatchConfig{
			Concurrency: getEnvInt("DISPATCH_CONCURRENCY", 100),
			MaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 5),
			RetryStep:   getEnvDuration("DISPATCH_RETRY_STEP", 10*time.Second),
			RetryMax:    getEnvDuration("DISPATCH_RETRY_MAX", 60*time.Second),
		},
		Queue: QueueConfig{
			LockDuration:    getEnvDuration("QUEUE_LOCK_DURATION", 30*time.Second),
			StalledInterval: getEnvDuration("QUEUE_STALLED_INTERVAL", 30*time.Second),
		},
		Validator: ValidatorConfig{
			LookupTimeout: getEnvDuration("MX_LOOKUP_TIMEOUT", 5*time.Second),
			CacheTTL:      getEnvDuration("MX_CACHE_TTL", 10*time.Minute),
		},
	}
	if cfg.Dispatch.Concurrency <= 0 {
		return nil, fmt.Errorf("DISPATCH_CONCURRENCY must be positive, got %d", cfg.Dispatch.Concurrency)
	}
	// A recipient waiting out its longest retry delay must still finish before the worker exits.
	if cfg.Server.ShutdownTimeout <= cfg.Dispatch.RetryMax {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT (%s) must exceed DISPATCH_RETRY_MAX (%s)", cfg.Server.ShutdownTimeout, cfg.Dispatch.RetryMax)
	}
	if cfg.Email.PoolSize <= 0 {
		return nil, fmt.Errorf("SMTP_POOL_SIZE must be positive, got %d", cfg.Email.PoolSize)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("30s", "5m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
