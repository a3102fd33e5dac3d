package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
concurrency: 4
rate_limit: 20
rate_window: "30s"
job_timeout: "2m"
templates_dir: "/srv/templates"
backoff_base: "1s"
`)))

	cfg := Load(v)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 20, cfg.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.RateWindow)
	assert.Equal(t, 2*time.Minute, cfg.JobTimeout)
	assert.Equal(t, "/srv/templates", cfg.TemplatesDir)

	assert.Equal(t, time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 24*time.Hour, cfg.Queue.CompletedMaxAge)
	assert.Equal(t, 1000, cfg.Queue.CompletedMaxCount)
	assert.Equal(t, 7*24*time.Hour, cfg.Queue.FailedMaxAge)
	assert.Equal(t, int64(100), cfg.MinMeshBytes)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.StallWindow)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Artifacts().MaxAge)
}

func TestValidate_HeartbeatAgainstStallWindow(t *testing.T) {
	cfg := Config{JobTimeout: time.Minute, HeartbeatInterval: 5 * time.Second, StallWindow: 30 * time.Second}
	require.NoError(t, cfg.Validate())

	cfg.HeartbeatInterval = 15 * time.Second
	assert.ErrorContains(t, cfg.Validate(), "stall_window")

	cfg.HeartbeatInterval = 0
	assert.ErrorContains(t, cfg.Validate(), "heartbeat_interval")

	cfg = Config{HeartbeatInterval: time.Second, StallWindow: time.Minute}
	assert.ErrorContains(t, cfg.Validate(), "job_timeout")
}
