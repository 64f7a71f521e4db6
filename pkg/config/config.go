package config

import (
	"os"
	"time"
)

// Config holds node configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabasePath  string
	RedisURL      string
	CycleInterval time.Duration
	ChallengeTTL  time.Duration
	TokenSecret   string
	TokenTTL      time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "bpi.db"
	}

	tokenSecret := os.Getenv("TOKEN_SECRET")
	if tokenSecret == "" {
		tokenSecret = "dev-only-secret"
	}

	return &Config{
		Port:          port,
		LogLevel:      logLevel,
		DatabasePath:  dbPath,
		RedisURL:      os.Getenv("REDIS_URL"),
		CycleInterval: durationEnv("CYCLE_INTERVAL", 15*time.Second),
		ChallengeTTL:  durationEnv("CHALLENGE_TTL", time.Minute),
		TokenSecret:   tokenSecret,
		TokenTTL:      durationEnv("TOKEN_TTL", time.Hour),
	}
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
