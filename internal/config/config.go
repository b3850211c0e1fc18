// Package config loads broker settings from the environment. A .env file
// in the working directory is honored for local development; deployed
// instances get real environment variables.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Port the HTTP/WebSocket listener binds to.
	Port string
	// Env is "development" or "production". Production enforces the
	// websocket origin allow-list.
	Env string

	// TokenSecret signs and verifies App tokens. TokenSecretPrev, when
	// set, is accepted for verification so rotations don't cut Apps off.
	TokenSecret     string
	TokenSecretPrev string

	// Runner shared secrets: a YAML file path, or the inline
	// "runner-1=secret,..." form. The file wins when both are set.
	RunnerSecretsFile   string
	RunnerSecretsInline string

	// Redis connection. An empty addr means run on the in-memory store,
	// which limits the broker to a single instance.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AllowedOrigins is the websocket origin allow-list for production.
	AllowedOrigins []string

	// HistoryMax caps each App's pairing history list.
	HistoryMax int

	// APIRateLimit caps REST API calls per client per minute. Zero
	// disables the limiter. The websocket pairing path has its own
	// failure-window limiter and is not affected.
	APIRateLimit int
}

// Load reads configuration from the environment, after best-effort loading
// a local .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("BROKER_ENV", "development"),
		TokenSecret:         os.Getenv("BROKER_TOKEN_SECRET"),
		TokenSecretPrev:     os.Getenv("BROKER_TOKEN_SECRET_PREVIOUS"),
		RunnerSecretsFile:   os.Getenv("BROKER_RUNNER_SECRETS_FILE"),
		RunnerSecretsInline: os.Getenv("BROKER_RUNNER_SECRETS"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		AllowedOrigins:      splitList(os.Getenv("BROKER_ALLOWED_ORIGINS")),
		HistoryMax:          getEnvInt("BROKER_HISTORY_MAX", 1000),
		APIRateLimit:        getEnvInt("BROKER_API_RATE_LIMIT", 120),
	}
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
