package utils

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from .env file
func LoadEnv(filenames ...string) error {
	// Ignore error if .env file doesn't exist (e.g. in production)
	_ = godotenv.Load(filenames...)
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvInt returns the value of an environment variable as an integer or a default value
func GetEnvInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// GetEnvFloat returns the value of an environment variable as a float or a default value
func GetEnvFloat(key string, defaultValue float64) float64 {
	valueStr := GetEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// GetEnvDuration parses values like "10s" or "1500ms". A bare integer is read as milliseconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := GetEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
