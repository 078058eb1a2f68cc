package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "citeminer.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10<<20, cfg.Input.MaxTextBytes)
	assert.Equal(t, 64<<10, cfg.Input.SyncThreshold)
	assert.Equal(t, []string{"http", "https"}, cfg.Input.AllowedSchemes)
	assert.Equal(t, 0.5, cfg.Extract.DefaultThreshold)
	assert.Equal(t, 100, cfg.Cluster.MaxDistance)
	assert.Equal(t, 0.8, cfg.Cluster.MinSimilarity)
	assert.Equal(t, 0.6, cfg.Learning.RetentionFloor)
	assert.Equal(t, 0.05, cfg.Learning.ThresholdStep)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 256, cfg.Jobs.QueueSize)
	assert.Equal(t, 600, cfg.Jobs.StuckTimeoutSecs)
	assert.True(t, cfg.Verify.Enabled)
	assert.Equal(t, "https://www.courtlistener.com/api/rest/v4", cfg.Verify.BaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CITEMINER_STORE_DRIVER", "postgres")
	t.Setenv("CITEMINER_SERVER_PORT", "9090")
	t.Setenv("CITEMINER_VERIFY_API_KEY", "tok-123")
	t.Setenv("CITEMINER_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "tok-123", cfg.Verify.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
}

func TestInitLoggerBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "shouting", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
