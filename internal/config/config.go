package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the GradeFlow server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	LLM      LLMConfig
	Monitor  MonitorConfig
	Ops      OpsConfig
}

type ServerConfig struct {
	Port int
	Env  string
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

type QueueConfig struct {
	MaxWorkers      int
	PollInterval    time.Duration
	CleanupInterval time.Duration
}

type LLMConfig struct {
	RegistryFile        string
	Strategy            string
	RequestTimeout      time.Duration
	RetryBudget         time.Duration
	MaxAttempts         int
	HealthCheckInterval time.Duration
}

type MonitorConfig struct {
	MaxRecords            int
	MaxAlerts             int
	MetricsWindow         time.Duration
	ResponseTimeThreshold time.Duration
	ErrorRateThreshold    float64
	HourlyCostThreshold   float64
	Interval              time.Duration
	SnapshotFile          string
}

type OpsConfig struct {
	// APIKeyHash is a bcrypt hash of the ops API key. Empty disables auth,
	// which is only acceptable in development.
	APIKeyHash        string
	RequestsPerMinute int
}

var validStrategies = map[string]bool{
	"round_robin":       true,
	"weighted_random":   true,
	"least_loaded":      true,
	"performance_based": true,
	"cost_optimized":    true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GRADEFLOW_PORT", 8080),
			Env:  envString("GRADEFLOW_ENV", "development"),
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
		Queue: QueueConfig{
			MaxWorkers:      envInt("QUEUE_MAX_WORKERS", 4),
			PollInterval:    envDuration("QUEUE_POLL_INTERVAL", time.Second),
			CleanupInterval: envDuration("QUEUE_CLEANUP_INTERVAL", 5*time.Minute),
		},
		LLM: LLMConfig{
			RegistryFile:        envString("LLM_REGISTRY_FILE", "models.yaml"),
			Strategy:            envString("LLM_STRATEGY", "performance_based"),
			RequestTimeout:      envDuration("LLM_REQUEST_TIMEOUT", 120*time.Second),
			RetryBudget:         envDuration("LLM_RETRY_BUDGET", 300*time.Second),
			MaxAttempts:         envInt("LLM_MAX_ATTEMPTS", 5),
			HealthCheckInterval: envDuration("LLM_HEALTH_CHECK_INTERVAL", 5*time.Minute),
		},
		Monitor: MonitorConfig{
			MaxRecords:            envInt("MONITOR_MAX_RECORDS", 10000),
			MaxAlerts:             envInt("MONITOR_MAX_ALERTS", 500),
			MetricsWindow:         envDuration("MONITOR_METRICS_WINDOW", 5*time.Minute),
			ResponseTimeThreshold: envDuration("MONITOR_RESPONSE_TIME_THRESHOLD", 30*time.Second),
			ErrorRateThreshold:    envFloat("MONITOR_ERROR_RATE_THRESHOLD", 0.1),
			HourlyCostThreshold:   envFloat("MONITOR_HOURLY_COST_THRESHOLD", 10.0),
			Interval:              envDuration("MONITOR_INTERVAL", 60*time.Second),
			SnapshotFile:          envString("MONITOR_SNAPSHOT_FILE", ""),
		},
		Ops: OpsConfig{
			APIKeyHash:        os.Getenv("OPS_API_KEY_HASH"),
			RequestsPerMinute: envInt("OPS_REQUESTS_PER_MINUTE", 60),
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

	if c.Queue.MaxWorkers < 1 {
		return fmt.Errorf("QUEUE_MAX_WORKERS must be at least 1, got %d", c.Queue.MaxWorkers)
	}

	if !validStrategies[c.LLM.Strategy] {
		return fmt.Errorf("LLM_STRATEGY must be one of round_robin, weighted_random, least_loaded, performance_based, cost_optimized; got %q", c.LLM.Strategy)
	}

	if c.Server.Env == "production" && c.Ops.APIKeyHash == "" {
		return fmt.Errorf("OPS_API_KEY_HASH is required when GRADEFLOW_ENV is production")
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

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
