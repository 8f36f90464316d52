package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Instance InstanceConfig
	Store    StoreConfig
	Database DatabaseConfig
	Jobs     JobsConfig
}

type InstanceConfig struct {
	Name string
}

type StoreConfig struct {
	// Driver selects the run history backend: memory, sqlite or postgres.
	Driver     string
	SQLitePath string
	Retention  time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type JobsConfig struct {
	ExclusiveGroups []string
	// ExclusiveDefaultGroup serializes the DEFAULT group as well, without
	// naming it in ExclusiveGroups.
	ExclusiveDefaultGroup bool
	MaxRetries            int
	RetryBaseBackoff      time.Duration
	RetryMaxBackoff       time.Duration
	AttemptTimeout        time.Duration
	// ChaosProbability injects transient faults into that fraction of
	// attempts, 0 to 1. Leave at 0 outside resilience testing.
	ChaosProbability float64
	BreakerEnabled   bool
	BreakerThreshold int
	BreakerCoolDown  time.Duration
	WaitTimeout      time.Duration
	WaitPollInterval time.Duration
}

func Load() *Config {
	return &Config{
		Instance: InstanceConfig{
			Name: getEnv("JOB_INSTANCE_NAME", "jobledger"),
		},
		Store: StoreConfig{
			Driver:     getEnv("RUN_STORE_DRIVER", "memory"),
			SQLitePath: getEnv("RUN_STORE_SQLITE_PATH", "jobledger.db"),
			Retention:  getEnvAsDuration("RUN_STORE_RETENTION", time.Hour),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "jobledger"),
			Password: getEnv("DB_PASSWORD", "jobledger"),
			DBName:   getEnv("DB_NAME", "jobledger"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Jobs: JobsConfig{
			ExclusiveGroups:       getEnvAsList("JOB_EXCLUSIVE_GROUPS", nil),
			ExclusiveDefaultGroup: getEnvAsBool("JOB_EXCLUSIVE_DEFAULT_GROUP", false),
			MaxRetries:            getEnvAsInt("JOB_MAX_RETRIES", 2),
			RetryBaseBackoff:      getEnvAsDuration("JOB_RETRY_BASE_BACKOFF", 500*time.Millisecond),
			RetryMaxBackoff:       getEnvAsDuration("JOB_RETRY_MAX_BACKOFF", 15*time.Second),
			AttemptTimeout:        getEnvAsDuration("JOB_ATTEMPT_TIMEOUT", 30*time.Minute),
			ChaosProbability:      getEnvAsFloat("JOB_CHAOS_PROBABILITY", 0),
			BreakerEnabled:        getEnvAsBool("JOB_BREAKER_ENABLED", true),
			BreakerThreshold:      getEnvAsInt("JOB_BREAKER_THRESHOLD", 5),
			BreakerCoolDown:       getEnvAsDuration("JOB_BREAKER_COOLDOWN", time.Minute),
			WaitTimeout:           getEnvAsDuration("JOB_WAIT_TIMEOUT", 10*time.Minute),
			WaitPollInterval:      getEnvAsDuration("JOB_WAIT_POLL_INTERVAL", time.Second),
		},
	}
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func (c *Config) DatabaseURL() string {
	// If DATABASE_URL is set, use it directly
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		return databaseURL
	}

	// Otherwise, construct from individual components
	return "postgres://" + c.Database.User + ":" + c.Database.Password +
		"@" + c.Database.Host + ":" + c.Database.Port +
		"/" + c.Database.DBName + "?sslmode=" + c.Database.SSLMode
}
