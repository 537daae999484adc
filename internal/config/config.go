package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL   string
	Port          string
	RedisAddr     string
	EnginesConfig string
}

// Load reads configuration from the environment, with an optional .env file
// for local development. Missing .env is not an error.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		Port:          getenv("SERVICE_PORT", "8080"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		EnginesConfig: getenv("ENGINES_CONFIG", "engines.yaml"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
