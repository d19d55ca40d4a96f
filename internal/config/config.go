package config

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/nhartman/parley/internal/logger"
)

var log = logger.New("config")

// Config holds all environment configuration values for the client engine.
// Values are loaded from a .env file at startup when one is present.
type Config struct {
	// MongoURL is the connection string of the message store
	MongoURL string

	// MongoDatabase is the database holding conversations and messages
	MongoDatabase string

	// RedisAddr is the address of the typing/presence broker
	RedisAddr string

	// RedisPassword is optional
	RedisPassword string

	// JWTSecret validates the session token the engine is handed
	JWTSecret string

	// Token is the session token for the harness; normally supplied by the
	// embedding application, not the environment
	Token string
}

// Load reads environment variables and returns a populated Config struct.
// It will load from a .env file if present, then read from environment
// variables. Falls back to sensible defaults if values are not set.
func Load() *Config {
	// Attempt to load .env file - not an error if it doesn't exist
	// as we may be running with real environment variables
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using environment variables")
	}

	cfg := &Config{
		MongoURL:      getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DB", "parley"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		Token:         getEnv("PARLEY_TOKEN", ""),
	}

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is not set")
	}

	return cfg
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
