package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Security  SecurityConfig
	Platform  PlatformConfig
	Tracker   TrackerConfig
	LLM       LLMConfig
	Engine    EngineConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	// BaseURL is the externally reachable address of this service, used to
	// build webhook endpoint URLs handed to remote containers.
	BaseURL string
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
	Addr     string
	Password string
	DB       int
}

// SecurityConfig holds the process-wide key material
type SecurityConfig struct {
	// EncryptionKey is the base64-encoded 32-byte AES key sealing workflow
	// environments.
	EncryptionKey string
	// TokenSecret signs execution-token claims (HS256).
	TokenSecret string
	// TokenTTL is the execution token lifetime, capped at one hour.
	TokenTTL time.Duration
}

// PlatformConfig holds container-platform credentials and poll tuning
type PlatformConfig struct {
	BaseURL       string
	APIToken      string
	ProjectID     string
	EnvironmentID string
	DefaultImage  string
	PollInitial   time.Duration
	PollMax       time.Duration
	PollDeadline  time.Duration
}

// TrackerConfig holds project-tracker API settings
type TrackerConfig struct {
	BaseURL  string
	APIToken string
}

// LLMConfig holds the default provider endpoint
type LLMConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// EngineConfig holds interpreter and sweeper tuning
type EngineConfig struct {
	StaleThreshold   time.Duration
	SweepInterval    time.Duration
	WorkflowDeadline time.Duration
	SandboxTimeout   time.Duration
	LockTTL          time.Duration
	PlanCacheTTL     time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			BaseURL:     getEnv("SERVICE_BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "foundry"),
			User:        getEnv("POSTGRES_USER", "foundry"),
			Password:    getEnv("POSTGRES_PASSWORD", "foundry"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("FOUNDRY_ENCRYPTION_KEY", ""),
			TokenSecret:   getEnv("FOUNDRY_TOKEN_SECRET", ""),
			TokenTTL:      getEnvDuration("FOUNDRY_TOKEN_TTL", time.Hour),
		},
		Platform: PlatformConfig{
			BaseURL:       getEnv("PLATFORM_BASE_URL", "https://backboard.railway.app"),
			APIToken:      getEnv("PLATFORM_API_TOKEN", ""),
			ProjectID:     getEnv("PLATFORM_PROJECT_ID", ""),
			EnvironmentID: getEnv("PLATFORM_ENVIRONMENT_ID", ""),
			DefaultImage:  getEnv("PLATFORM_DEFAULT_IMAGE", "foundry/runner:latest"),
			PollInitial:   getEnvDuration("PLATFORM_POLL_INITIAL", 5*time.Second),
			PollMax:       getEnvDuration("PLATFORM_POLL_MAX", 30*time.Second),
			PollDeadline:  getEnvDuration("PLATFORM_POLL_DEADLINE", 5*time.Minute),
		},
		Tracker: TrackerConfig{
			BaseURL:  getEnv("TRACKER_BASE_URL", "https://api.github.com"),
			APIToken: getEnv("TRACKER_API_TOKEN", ""),
		},
		LLM: LLMConfig{
			BaseURL:      getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:       getEnv("LLM_API_KEY", ""),
			DefaultModel: getEnv("LLM_DEFAULT_MODEL", "gpt-4o"),
			Timeout:      getEnvDuration("LLM_TIMEOUT", 120*time.Second),
		},
		Engine: EngineConfig{
			StaleThreshold:   getEnvDuration("ENGINE_STALE_THRESHOLD", 2*time.Minute),
			SweepInterval:    getEnvDuration("ENGINE_SWEEP_INTERVAL", 30*time.Second),
			WorkflowDeadline: getEnvDuration("ENGINE_WORKFLOW_DEADLINE", 30*time.Minute),
			SandboxTimeout:   getEnvDuration("ENGINE_SANDBOX_TIMEOUT", 2*time.Second),
			LockTTL:          getEnvDuration("ENGINE_LOCK_TTL", 15*time.Minute),
			PlanCacheTTL:     getEnvDuration("ENGINE_PLAN_CACHE_TTL", 5*time.Minute),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
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

	if c.Security.TokenTTL > time.Hour {
		return fmt.Errorf("token TTL %s exceeds the one hour cap", c.Security.TokenTTL)
	}

	if c.Service.Environment == "production" {
		if c.Security.EncryptionKey == "" {
			return fmt.Errorf("FOUNDRY_ENCRYPTION_KEY is required in production")
		}
		if c.Security.TokenSecret == "" {
			return fmt.Errorf("FOUNDRY_TOKEN_SECRET is required in production")
		}
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
