package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://backend.local/")
	t.Setenv("AUTOSAVE_INTERVAL_SECONDS", "")

	cfg := Load()

	assert.Equal(t, "http://backend.local", cfg.BackendURL)
	assert.Equal(t, 15*time.Second, cfg.AutosaveInterval)
	assert.Equal(t, 5*time.Minute, cfg.WarningThreshold)
	assert.Equal(t, 3, cfg.MaxFinalize)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTOSAVE_INTERVAL_SECONDS", "30")
	t.Setenv("WARNING_THRESHOLD_SECONDS", "-4")
	t.Setenv("ALLOWED_ORIGINS", " http://kiosk.local , ,http://127.0.0.1:5173")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.AutosaveInterval)
	assert.Equal(t, 5*time.Minute, cfg.WarningThreshold, "non-positive values fall back")
	assert.Equal(t, []string{"http://kiosk.local", "http://127.0.0.1:5173"}, cfg.AllowedOrigins)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "exstem:handoff:exam:ABC123:password", CacheKey.HandoffPasswordKey("ABC123"))
	assert.Equal(t, "exstem:handoff:exam:ABC123:attempt", CacheKey.HandoffAttemptKey("ABC123"))
}
