package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all exam agent configuration.
type Config struct {
	BackendURL  string
	AuthToken   string
	AgentPort   string
	GinMode     string
	LogLevel    string
	LogFormat   string
	RedisURL    string
	AgentSecret string
	AgentExpiry time.Duration

	AutosaveInterval  time.Duration
	SavedDisplay      time.Duration
	WarningThreshold  time.Duration
	RequestTimeout    time.Duration
	IntegrityTimeout  time.Duration
	IntegrityInflight int64
	MaxFinalize       int
	HandoffTTL        time.Duration

	// IntegrityPolicyPath points to a YAML policy file. Empty means the built-in policy.
	IntegrityPolicyPath string
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation for the kiosk UI.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // .env is optional

	return &Config{
		BackendURL:  strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8080"), "/"),
		AuthToken:   getEnv("AUTH_TOKEN", ""),
		AgentPort:   getEnv("AGENT_PORT", "7070"),
		GinMode:     getEnv("GIN_MODE", "release"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "pretty"),
		RedisURL:    getEnv("REDIS_URL", ""),
		AgentSecret: getEnv("AGENT_SECRET", "change-this-to-a-secure-random-string"),
		AgentExpiry: getEnvDuration("AGENT_TOKEN_EXPIRY_HOURS", 12, time.Hour),

		AutosaveInterval:  getEnvDuration("AUTOSAVE_INTERVAL_SECONDS", 15, time.Second),
		SavedDisplay:      getEnvDuration("SAVED_DISPLAY_SECONDS", 2, time.Second),
		WarningThreshold:  getEnvDuration("WARNING_THRESHOLD_SECONDS", 300, time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT_SECONDS", 10, time.Second),
		IntegrityTimeout:  getEnvDuration("INTEGRITY_TIMEOUT_SECONDS", 5, time.Second),
		IntegrityInflight: int64(getEnvInt("INTEGRITY_MAX_INFLIGHT", 8)),
		MaxFinalize:       getEnvInt("MAX_FINALIZE_ATTEMPTS", 3),
		HandoffTTL:        getEnvDuration("HANDOFF_TTL_SECONDS", 3600, time.Second),

		IntegrityPolicyPath: getEnv("INTEGRITY_POLICY_PATH", ""),
		AllowedOrigins:      parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
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
		return fallback
	}
	return n
}

// getEnvDuration reads an integer count of unit from the environment.
func getEnvDuration(key string, fallback int, unit time.Duration) time.Duration {
	n := getEnvInt(key, fallback)
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * unit
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
