package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "http://127.0.0.1:8080", c.ServerEndpointAddr)
	assert.Equal(t, "file:finance.db", c.DatabaseDSN)
	assert.Equal(t, 90, c.RotationIntervalDays)
	assert.Equal(t, 365, c.AuditRetentionDays)
	assert.False(t, c.RequireLocalAuthForKeyAccess)
	assert.Equal(t, 5*time.Minute, c.SyncInterval)
	assert.Equal(t, 50, c.SyncBatchSize)
	assert.Equal(t, 3*time.Second, c.OnlineCheckInterval)
	assert.Empty(t, c.Backup.Type)
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	cfg := LoadConfig()

	require.NotNil(t, cfg, "LoadConfig must not return nil")
	assert.Equal(t, "http://127.0.0.1:8080", cfg.ServerEndpointAddr)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
}

func TestDerivedDurations(t *testing.T) {
	c := Config{RotationIntervalDays: 2, AuditRetentionDays: 3}

	assert.Equal(t, 48*time.Hour, c.RotationInterval())
	assert.Equal(t, 72*time.Hour, c.AuditRetention())
}
