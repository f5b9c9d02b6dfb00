package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port     string
	MongoURI string

	// Model binding (OpenAI-compatible endpoint)
	ModelName    string
	ModelBaseURL string
	ModelAPIKey  string

	// Agent cache policy
	SessionTimeout  time.Duration // idle time before an agent is reclaimed
	CleanupInterval time.Duration // reaper sweep interval
	CloseTimeout    time.Duration // bound on closing a replaced/expired agent

	// MCP tool connection timeouts
	ToolConnectTimeout time.Duration
	ToolReadTimeout    time.Duration

	// App/tool registry file (hot-reloaded)
	AppsFile string

	// Auth
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration

	// Per-IP request ceiling for the rate limiter, per minute
	RateLimitMax int

	// SMTP for verification code delivery (optional)
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "9000"),
		MongoURI: getEnv("MONGODB_URI", ""),

		ModelName:    getEnv("MODEL", "openai/gpt-4o"),
		ModelBaseURL: getEnv("BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:  getEnv("OPENAI_API_KEY", ""),

		SessionTimeout:  getDurationEnv("SESSION_TIMEOUT", 30*time.Minute),
		CleanupInterval: getDurationEnv("CLEANUP_INTERVAL", 10*time.Minute),
		CloseTimeout:    getDurationEnv("AGENT_CLOSE_TIMEOUT", 10*time.Second),

		ToolConnectTimeout: getDurationEnv("TOOL_CONNECT_TIMEOUT", 10*time.Second),
		ToolReadTimeout:    getDurationEnv("TOOL_READ_TIMEOUT", 20*time.Minute),

		AppsFile: getEnv("APPS_FILE", "config/apps.yaml"),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		AccessTokenExpiry:  getDurationEnv("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
		RefreshTokenExpiry: getDurationEnv("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),

		RateLimitMax: getIntEnv("RATE_LIMIT_MAX", 120),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
