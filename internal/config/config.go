package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration, loaded from the environment.
type Config struct {
	HTTPAddr      string
	DBPath        string
	AuthDBPath    string
	NATSURL       string
	AuthServerURL string
	ServiceKey    string
	JWKSURL       string
	JWTSecret     string

	SyncInterval  time.Duration
	MessageCap    int
	MaxConcurrent int
}

// Load reads configuration from .env (if present) and the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	return &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DBPath:        getEnv("DB_PATH", "./mailsync.db"),
		AuthDBPath:    getEnv("AUTH_DB_PATH", "./auth.db"),
		NATSURL:       getEnv("NATS_URL", "nats://localhost:4222"),
		AuthServerURL: getEnv("AUTH_SERVER_URL", "http://localhost:3000"),
		ServiceKey:    getEnv("AUTH_SERVICE_KEY", ""),
		JWKSURL:       getEnv("JWKS_URL", ""),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-me"),
		SyncInterval:  getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		MessageCap:    getEnvInt("MESSAGE_CAP", 1000),
		MaxConcurrent: getEnvInt("MAX_CONCURRENT_SYNCS", 4),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
