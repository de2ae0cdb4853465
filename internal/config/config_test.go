package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"SERVICE_NAME", "EVENTS_ENABLED", "CORS_ALLOWED_ORIGINS", "LATE_CHECK_INTERVAL", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "lending", cfg.ServiceName)
	assert.True(t, cfg.EventsEnabled)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, time.Minute, cfg.LateCheckInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVICE_NAME", "lending-test")
	t.Setenv("EVENTS_ENABLED", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://autolib.id, https://admin.autolib.id ,")
	t.Setenv("LATE_CHECK_INTERVAL", "30s")

	cfg := Load()
	assert.Equal(t, "lending-test", cfg.ServiceName)
	assert.False(t, cfg.EventsEnabled)
	assert.Equal(t, []string{"https://autolib.id", "https://admin.autolib.id"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.LateCheckInterval)
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("EVENTS_ENABLED", "maybe")
	t.Setenv("LATE_CHECK_INTERVAL", "-5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", " , ")

	cfg := Load()
	assert.True(t, cfg.EventsEnabled)
	assert.Equal(t, time.Minute, cfg.LateCheckInterval)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
}
