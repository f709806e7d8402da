package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Backend   BackendConfig
	Store     StoreConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
	Features  FeatureFlags
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds resource snapshot cache settings
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// QueueConfig holds notification queue settings
type QueueConfig struct {
	Type string // "memory" or "redis"
}

// BackendConfig points at the repository REST API that receives patches
type BackendConfig struct {
	BaseURL       string
	Timeout       time.Duration
	FetchRetries  int
	SubmitLockTTL time.Duration
	MaxOperations int
}

// StoreConfig tunes the field update store
type StoreConfig struct {
	IdleTTL         time.Duration
	SweepInterval   time.Duration
	ReinstateWindow time.Duration
	SchemaFile      string
	SchemaVariant   string
}

// AuthConfig holds optional bearer token verification settings
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

// RateLimitConfig caps submits per user and resource. A zero limit disables it.
type RateLimitConfig struct {
	SubmitLimit  int64
	SubmitWindow time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// FeatureFlags toggle optional components
type FeatureFlags struct {
	EnableDistributedLock bool
	EnableJournal         bool
	EnableSchemaWatch     bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "editsync"),
			User:        getEnv("POSTGRES_USER", "editsync"),
			Password:    getEnv("POSTGRES_PASSWORD", "editsync"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
		},
		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "memory"),
		},
		Backend: BackendConfig{
			BaseURL:       getEnv("BACKEND_URL", "http://localhost:8081/server/api"),
			Timeout:       getEnvDuration("BACKEND_TIMEOUT", 15*time.Second),
			FetchRetries:  getEnvInt("BACKEND_FETCH_RETRIES", 3),
			SubmitLockTTL: getEnvDuration("SUBMIT_LOCK_TTL", 30*time.Second),
			MaxOperations: getEnvInt("PATCH_MAX_OPERATIONS", 200),
		},
		Store: StoreConfig{
			IdleTTL:         getEnvDuration("STORE_IDLE_TTL", 2*time.Hour),
			SweepInterval:   getEnvDuration("STORE_SWEEP_INTERVAL", 1*time.Minute),
			ReinstateWindow: getEnvDuration("STORE_REINSTATE_WINDOW", 0),
			SchemaFile:      getEnv("SCHEMA_FILE", ""),
			SchemaVariant:   getEnv("SCHEMA_VARIANT", "base"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTIssuer: getEnv("JWT_ISSUER", ""),
		},
		RateLimit: RateLimitConfig{
			SubmitLimit:  int64(getEnvInt("SUBMIT_RATE_LIMIT", 30)),
			SubmitWindow: getEnvDuration("SUBMIT_RATE_WINDOW", 1*time.Minute),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
		Features: FeatureFlags{
			EnableDistributedLock: getEnvBool("ENABLE_DISTRIBUTED_LOCK", false),
			EnableJournal:         getEnvBool("ENABLE_JOURNAL", true),
			EnableSchemaWatch:     getEnvBool("ENABLE_SCHEMA_WATCH", true),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend url: %q", c.Backend.BaseURL)
	}

	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}

	if c.RateLimit.SubmitLimit > 0 && c.RateLimit.SubmitWindow <= 0 {
		return fmt.Errorf("submit rate window must be positive")
	}

	switch c.Queue.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

// getEnvSlice parses a comma-separated list, dropping blanks
func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
