package config

import (
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/persist"
)

// Config holds runtime settings for the finance core.
//
// Fields:
//   - ServerEndpointAddr: base URL of the remote sync authority.
//   - DatabaseDSN: SQLite DSN of the device store.
//   - KeyStoreDir: directory holding the sealed key files.
//   - RotationIntervalDays: days between scheduled key rotations.
//   - AuditRetentionDays: audit events older than this are purged.
//   - RequireLocalAuthForKeyAccess: gate every key access behind local auth.
//   - SyncInterval: how often the background scheduler runs a sync cycle.
//   - SyncBatchSize: change-log entries pushed per cycle.
//   - OnlineCheckInterval: how often reachability of the server is probed.
//   - Backup: optional encrypted key backup destination (file or S3).
type Config struct {
	ServerEndpointAddr           string
	DatabaseDSN                  string
	KeyStoreDir                  string
	RotationIntervalDays         int
	AuditRetentionDays           int
	RequireLocalAuthForKeyAccess bool
	SyncInterval                 time.Duration
	SyncBatchSize                int
	OnlineCheckInterval          time.Duration
	Backup                       persist.Config
}

// RotationInterval returns the rotation cadence as a duration.
func (c *Config) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalDays) * 24 * time.Hour
}

// AuditRetention returns the audit retention window as a duration.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "http://127.0.0.1:8080"
	c.DatabaseDSN = "file:finance.db"
	c.KeyStoreDir = "keystore"
	c.RotationIntervalDays = 90
	c.AuditRetentionDays = 365
	c.RequireLocalAuthForKeyAccess = false
	c.SyncInterval = 5 * time.Minute
	c.SyncBatchSize = 50
	c.OnlineCheckInterval = 3 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
