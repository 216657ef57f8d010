package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// App Store verification configuration
	BundleID     string
	AppleJWKSURL string
	JWKSCacheTTL int // minutes

	// Credit configuration
	FreeCreditLimit int

	// Analysis endpoint configuration
	AnalysisUpstreamURL string
	RateLimitMax        int
	RateLimitWindowMs   int

	ServiceName string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                getEnv("PORT", "8080"),
		Mode:                getEnv("GIN_MODE", "debug"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		BundleID:            getEnv("APP_BUNDLE_ID", "com.reefbuddy.app"),
		AppleJWKSURL:        getEnv("APPLE_JWKS_URL", "https://appleid.apple.com/auth/keys"),
		JWKSCacheTTL:        getEnvInt("JWKS_CACHE_TTL_MINUTES", 60),
		FreeCreditLimit:     getEnvInt("FREE_CREDIT_LIMIT", 3),
		AnalysisUpstreamURL: getEnv("ANALYSIS_UPSTREAM_URL", ""),
		RateLimitMax:        getEnvInt("RATE_LIMIT_MAX_REQUESTS", 10),
		RateLimitWindowMs:   getEnvInt("RATE_LIMIT_WINDOW_MS", 60000),
		ServiceName:         getEnv("SERVICE_NAME", "ReefBuddy Credits Service"),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
