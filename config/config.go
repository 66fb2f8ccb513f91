package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Provider ProviderConfig
	Sync     SyncConfig
	Archive  ArchiveConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/syncengine?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds settings for validating bearer tokens issued by the
// platform's auth service. This service only validates; it never issues.
type JWTConfig struct {
	Secret string
}

// ProviderConfig holds settings for the upstream webinar provider API.
type ProviderConfig struct {
	BaseURL        string
	PageSize       int
	RequestTimeout time.Duration
	MaxRetries     int           // retry budget per page for rate-limited/transient failures
	BaseBackoff    time.Duration // initial backoff delay, doubled per attempt
	MaxBackoff     time.Duration // backoff cap
	MaxPages       int           // hard ceiling on pages fetched per entity stream
}

// SyncConfig holds sync-job lifecycle thresholds.
type SyncConfig struct {
	SoftStuckAge time.Duration // jobs older than this without progress are cleanup candidates
	HardStuckAge time.Duration // jobs older than this are force-terminated unconditionally
}

// ArchiveConfig holds optional S3 raw-page archive settings. Archiving is
// disabled when Bucket is empty.
type ArchiveConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	SweepInterval  time.Duration // how often the stuck-job sweep runs
	RepairInterval time.Duration // how often the metrics repair sweep runs
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (DATABASE_URL env), it is used as-is; otherwise built from components.
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
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/syncengine?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "syncengine"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		Provider: ProviderConfig{
			BaseURL:        getEnv("PROVIDER_BASE_URL", "https://api.webinarprovider.com/v2"),
			PageSize:       getEnvInt("PROVIDER_PAGE_SIZE", 100),
			RequestTimeout: getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:     getEnvInt("PROVIDER_MAX_RETRIES", 5),
			BaseBackoff:    getEnvDuration("PROVIDER_BASE_BACKOFF", time.Second),
			MaxBackoff:     getEnvDuration("PROVIDER_MAX_BACKOFF", 60*time.Second),
			MaxPages:       getEnvInt("PROVIDER_MAX_PAGES", 1000),
		},
		Sync: SyncConfig{
			SoftStuckAge: getEnvDuration("SYNC_SOFT_STUCK_AGE", 10*time.Minute),
			HardStuckAge: getEnvDuration("SYNC_HARD_STUCK_AGE", 30*time.Minute),
		},
		Archive: ArchiveConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("SYNC_ARCHIVE_BUCKET", ""),
		},
		Worker: WorkerConfig{
			SweepInterval:  getEnvDuration("WORKER_SWEEP_INTERVAL", 5*time.Minute),
			RepairInterval: getEnvDuration("WORKER_REPAIR_INTERVAL", 30*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects threshold combinations that could let the reconciler's
// force-terminate write race an in-flight page fetch.
func (c *Config) validate() error {
	if c.Sync.HardStuckAge <= c.Sync.SoftStuckAge {
		return fmt.Errorf("SYNC_HARD_STUCK_AGE (%s) must exceed SYNC_SOFT_STUCK_AGE (%s)", c.Sync.HardStuckAge, c.Sync.SoftStuckAge)
	}
	if c.Sync.HardStuckAge < 5*c.Provider.RequestTimeout {
		return fmt.Errorf("SYNC_HARD_STUCK_AGE (%s) must be at least 5x PROVIDER_REQUEST_TIMEOUT (%s)", c.Sync.HardStuckAge, c.Provider.RequestTimeout)
	}
	if c.Provider.MaxPages <= 0 {
		return fmt.Errorf("PROVIDER_MAX_PAGES must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}
