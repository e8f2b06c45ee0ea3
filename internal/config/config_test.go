package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, 50, cfg.HistoryPageMax)
	assert.Equal(t, 60*time.Second, cfg.WS.PongWait)
	assert.Equal(t, 54*time.Second, cfg.WS.PingPeriod)
	assert.Equal(t, []string{"http://localhost:3000", "http://127.0.0.1:3000"}, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("HISTORY_PAGE_MAX", "25")
	t.Setenv("WS_PONG_WAIT", "10s")
	t.Setenv("WS_SUBMIT_RATE", "2.5")
	t.Setenv("DEBUG_ROUTES", "true")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 25, cfg.HistoryPageMax)
	assert.Equal(t, 10*time.Second, cfg.WS.PongWait)
	assert.Equal(t, 9*time.Second, cfg.WS.PingPeriod)
	assert.Equal(t, 2.5, cfg.WS.SubmitRate)
	assert.True(t, cfg.DebugRoutes)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("HISTORY_PAGE_MAX", "lots")
	t.Setenv("WS_WRITE_WAIT", "soon")
	cfg := Load()
	assert.Equal(t, 50, cfg.HistoryPageMax)
	assert.Equal(t, 10*time.Second, cfg.WS.WriteWait)
}
