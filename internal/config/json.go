package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/flagx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/persist"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "5m" or as integer nanoseconds. After parsing, values
// are copied into the runtime Config (which uses time.Duration).
type JsonConfig struct {
	ServerEndpointAddr           string         `json:"server_endpoint_addr"`
	DatabaseDSN                  string         `json:"database_dsn"`
	KeyStoreDir                  string         `json:"keystore_dir"`
	RotationIntervalDays         int            `json:"rotation_interval_days"`
	AuditRetentionDays           int            `json:"audit_retention_days"`
	RequireLocalAuthForKeyAccess bool           `json:"require_local_auth_for_key_access"`
	SyncInterval                 timex.Duration `json:"sync_interval"`
	SyncBatchSize                int            `json:"sync_batch_size"`
	OnlineCheckInterval          timex.Duration `json:"online_check_interval"`
	Backup                       persist.Config `json:"backup"`
}

// parseJson overlays Config with values loaded from a JSON file.
//
// Lookup order for the JSON file path:
//  1. Command-line flags (-c or -config) via flagx.JsonConfigFlags().
//  2. If empty, no JSON is loaded and the function returns.
//
// Behavior:
//   - Reads and unmarshals the JSON into JsonConfig.
//   - Copies known fields into the provided Config; zero values in the JSON
//     leave the defaults untouched.
//   - Panics on read or unmarshal errors (caller should recover if desired).
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones.
func parseJson(cfg *Config) {
	// Resolve file path from flags.
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerEndpointAddr != "" {
		cfg.ServerEndpointAddr = jc.ServerEndpointAddr
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.KeyStoreDir != "" {
		cfg.KeyStoreDir = jc.KeyStoreDir
	}
	if jc.RotationIntervalDays > 0 {
		cfg.RotationIntervalDays = jc.RotationIntervalDays
	}
	if jc.AuditRetentionDays > 0 {
		cfg.AuditRetentionDays = jc.AuditRetentionDays
	}
	cfg.RequireLocalAuthForKeyAccess = jc.RequireLocalAuthForKeyAccess
	if jc.SyncInterval.Duration > 0 {
		cfg.SyncInterval = time.Duration(jc.SyncInterval.Duration)
	}
	if jc.SyncBatchSize > 0 {
		cfg.SyncBatchSize = jc.SyncBatchSize
	}
	if jc.OnlineCheckInterval.Duration > 0 {
		cfg.OnlineCheckInterval = time.Duration(jc.OnlineCheckInterval.Duration)
	}
	if jc.Backup.Type != "" {
		cfg.Backup = jc.Backup
	}
}
