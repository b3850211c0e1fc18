package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "BROKER_ENV", "BROKER_TOKEN_SECRET", "REDIS_ADDR",
		"REDIS_DB", "BROKER_ALLOWED_ORIGINS", "BROKER_HISTORY_MAX",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.IsProduction())
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Nil(t, cfg.AllowedOrigins)
	assert.Equal(t, 1000, cfg.HistoryMax)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BROKER_ENV", "production")
	t.Setenv("BROKER_TOKEN_SECRET", "s3cret")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("BROKER_ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("BROKER_HISTORY_MAX", "250")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "s3cret", cfg.TokenSecret)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 250, cfg.HistoryMax)
}

func TestBadIntFallsBack(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")
	cfg := Load()
	assert.Equal(t, 0, cfg.RedisDB)
}
