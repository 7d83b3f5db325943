package config

import (
	"os"
	"strconv"
	"time"
)

// Config cohort-data worker configuration
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Registry RegistryConfig
	Jobs     JobsConfig
	Log      struct {
		Level  string
		Format string
	}
}

// DatabaseConfig PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig job queue transport settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RegistryConfig national demographic registry (PDS) API settings
type RegistryConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// JobsConfig worker runtime settings
type JobsConfig struct {
	Workers int
	// Imports with more rows than this resolve each cascade step as a
	// separate job instead of looping in-process.
	SlowImportThreshold int
	MaxRetries          int
	RetryBaseDelay      time.Duration
	SweepInterval       time.Duration
}

func Load() *Config {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "cohort")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "10"), 10)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Registry.BaseURL = getEnv("REGISTRY_BASE_URL", "http://localhost:9090")
	cfg.Registry.APIKey = getEnv("REGISTRY_API_KEY", "")
	cfg.Registry.Timeout = parseDuration(getEnv("REGISTRY_TIMEOUT", "10s"), 10*time.Second)

	cfg.Jobs.Workers = parseInt(getEnv("JOB_WORKERS", "4"), 4)
	cfg.Jobs.SlowImportThreshold = parseInt(getEnv("SLOW_IMPORT_THRESHOLD", "15"), 15)
	cfg.Jobs.MaxRetries = parseInt(getEnv("JOB_MAX_RETRIES", "5"), 5)
	cfg.Jobs.RetryBaseDelay = parseDuration(getEnv("JOB_RETRY_BASE_DELAY", "30s"), 30*time.Second)
	cfg.Jobs.SweepInterval = parseDuration(getEnv("SWEEP_INTERVAL", "24h"), 24*time.Hour)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}
