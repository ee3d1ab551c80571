package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the GridFlow server and worker.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Jobs     JobsConfig
	Signing  SigningConfig
}

type ServerConfig struct {
	Port      int
	Env       string
	PublicURL string
	APIPrefix string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// EngineConfig points at the external workflow engine's REST API.
type EngineConfig struct {
	BaseURL            string
	Namespace          string
	Token              string
	InsecureSkipVerify bool
	Timeout            time.Duration
	ExecutorImage      string
}

type JobsConfig struct {
	WorkspaceRoot      string
	WorkflowLimit      int
	WorkerConcurrency  int
	LocalExecution     bool
	AdmitRetryInterval time.Duration
	PollInterval       time.Duration
	PollMaxInterval    time.Duration
	PollMaxDuration    time.Duration
	SyncCheckInterval  time.Duration
	SyncTimeout        time.Duration
}

// SigningConfig carries the secret material for signed download URLs. The key
// is a base64url-encoded secret; KeyName identifies it inside signed queries so
// keys can be rotated without invalidating outstanding URLs.
type SigningConfig struct {
	KeyName string
	Key     string
	TTL     time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:      envInt("GRIDFLOW_PORT", 8080),
			Env:       envString("GRIDFLOW_ENV", "development"),
			PublicURL: envString("GRIDFLOW_PUBLIC_URL", "http://localhost:8080"),
			APIPrefix: envString("GRIDFLOW_API_PREFIX", "/api/v1"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Engine: EngineConfig{
			BaseURL:            os.Getenv("ENGINE_BASE_URL"),
			Namespace:          envString("ENGINE_NAMESPACE", "default"),
			Token:              os.Getenv("ENGINE_TOKEN"),
			InsecureSkipVerify: envBool("ENGINE_INSECURE_SKIP_VERIFY", false),
			Timeout:            envDuration("ENGINE_TIMEOUT", 30*time.Second),
			ExecutorImage:      envString("ENGINE_EXECUTOR_IMAGE", "gridflow/executor:latest"),
		},
		Jobs: JobsConfig{
			WorkspaceRoot:      os.Getenv("WORKSPACE_ROOT"),
			WorkflowLimit:      envInt("WORKFLOW_LIMIT", 10),
			WorkerConcurrency:  envInt("WORKER_CONCURRENCY", 4),
			LocalExecution:     envBool("EXECUTION_LOCAL", true),
			AdmitRetryInterval: envDuration("ADMIT_RETRY_INTERVAL", 5*time.Minute),
			PollInterval:       envDuration("POLL_INTERVAL", 15*time.Second),
			PollMaxInterval:    envDuration("POLL_MAX_INTERVAL", 5*time.Minute),
			PollMaxDuration:    envDuration("POLL_MAX_DURATION", 24*time.Hour),
			SyncCheckInterval:  envDuration("SYNC_CHECK_INTERVAL", 15*time.Second),
			SyncTimeout:        envDuration("SYNC_TIMEOUT", 1*time.Hour),
		},
		Signing: SigningConfig{
			KeyName: envString("URLSIGN_KEY_NAME", "default"),
			Key:     os.Getenv("URLSIGN_KEY"),
			TTL:     envDuration("URLSIGN_TTL", 7*24*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Engine.BaseURL == "" {
		return fmt.Errorf("ENGINE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Engine.BaseURL, "http://") && !strings.HasPrefix(c.Engine.BaseURL, "https://") {
		return fmt.Errorf("ENGINE_BASE_URL must start with http:// or https://, got %q", c.Engine.BaseURL)
	}

	if c.Jobs.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT is required")
	}
	if c.Jobs.WorkflowLimit <= 0 {
		return fmt.Errorf("WORKFLOW_LIMIT must be positive, got %d", c.Jobs.WorkflowLimit)
	}

	if c.Signing.Key == "" {
		return fmt.Errorf("URLSIGN_KEY is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
