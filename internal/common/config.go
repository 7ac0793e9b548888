package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	API   APIConfig
	Poll  PollConfig
	State StateConfig
}

// APIConfig holds everything needed to reach the valuation backend.
type APIConfig struct {
	BaseURL   string
	APIKey    string
	UserID    string
	Username  string
	UserEmail string
	Timeout   time.Duration
}

// PollConfig bounds the per-job progress polling loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// StateConfig holds the local job state location.
type StateConfig struct {
	DBPath string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:   getEnv("LANDVAL_API_URL", ""),
			APIKey:    getEnv("LANDVAL_API_KEY", ""),
			UserID:    getEnv("LANDVAL_USER_ID", ""),
			Username:  getEnv("LANDVAL_USERNAME", ""),
			UserEmail: getEnv("LANDVAL_USER_EMAIL", ""),
			Timeout:   getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),
		},
		Poll: PollConfig{
			// 120 attempts at 10s covers roughly 20 minutes before the
			// poller abandons a job that never resolved.
			Interval:    getEnvAsDuration("POLL_INTERVAL", 10*time.Second),
			MaxAttempts: getEnvAsInt("POLL_MAX_ATTEMPTS", 120),
		},
		State: StateConfig{
			DBPath: getEnv("STATE_DB_PATH", "./parcelbatch.db"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
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

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return NewAppError("CONFIG_ERROR", "LANDVAL_API_URL is required", ErrInvalidInput)
	}
	if c.API.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "LANDVAL_API_KEY is required", ErrInvalidInput)
	}
	if c.Poll.Interval <= 0 {
		return NewAppError("CONFIG_ERROR", "POLL_INTERVAL must be positive", ErrInvalidInput)
	}
	if c.Poll.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "POLL_MAX_ATTEMPTS must be positive", ErrInvalidInput)
	}
	if c.State.DBPath == "" {
		return NewAppError("CONFIG_ERROR", "STATE_DB_PATH is required", ErrInvalidInput)
	}
	return nil
}
