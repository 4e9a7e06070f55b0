package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              string
	DataDir           string
	LogLevel          string
	MaxDescriptorSize string
	ShutdownTimeout   int
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DataDir:           getEnv("DATA_DIR", "/var/lib/substrate"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		MaxDescriptorSize: getEnv("MAX_DESCRIPTOR_SIZE", "64MB"),
		ShutdownTimeout:   getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10),
	}
}

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
