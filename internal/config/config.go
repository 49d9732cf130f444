// Package config loads roomsync's manager-level configuration from the
// environment.
package config

import (
	"os"
	"strconv"
)

// Config holds the manager-level options described in spec.md section 6.
type Config struct {
	Environment          string `env:"ENVIRONMENT"`
	LogLevel             string `env:"LOG_LEVEL"`
	RedisURL             string `env:"REDIS_URL"`
	Prefix               string `env:"ROOM_PREFIX"`
	IdleTimeoutSeconds   int    `env:"ROOM_IDLE_TIMEOUT_SECONDS"`
	CheckIntervalSeconds int    `env:"ROOM_CHECK_INTERVAL_SECONDS"`
	GatewayPort          string `env:"GATEWAY_PORT"`
	MetricsPort          string `env:"METRICS_PORT"`
}

// Load reads Config from the environment, falling back to the spec's
// documented defaults (prefix "room", idle timeout 300s, check interval
// 60s) where a variable is unset.
func Load() *Config {
	return &Config{
		Environment:          getEnv("ENVIRONMENT", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Prefix:               getEnv("ROOM_PREFIX", "room"),
		IdleTimeoutSeconds:   getEnvAsInt("ROOM_IDLE_TIMEOUT_SECONDS", 300),
		CheckIntervalSeconds: getEnvAsInt("ROOM_CHECK_INTERVAL_SECONDS", 60),
		GatewayPort:          getEnv("GATEWAY_PORT", "8080"),
		MetricsPort:          getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}
