// Package config loads runtime configuration for the finance core CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   base URL of the remote sync authority
//	-d string   SQLite DSN of the device store
//	-k string   directory of the sealed key store
//	-r int      rotation interval (days)
//	-t int      audit retention (days)
//	-l          require local authentication for key access
//	-i int      sync interval (seconds)
//	-b int      sync batch size
//	-o int      online check interval (seconds)
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "5m" or integer nanoseconds:
//
//	{
//	  "server_endpoint_addr": "https://sync.example.com",
//	  "database_dsn": "file:finance.db",
//	  "keystore_dir": "keystore",
//	  "rotation_interval_days": 90,
//	  "audit_retention_days": 365,
//	  "require_local_auth_for_key_access": true,
//	  "sync_interval": "5m",
//	  "sync_batch_size": 50,
//	  "online_check_interval": "3s",
//	  "backup": {"type": "file", "path": "/var/backups/finance"}
//	}
//
// The backup section also accepts type "s3" with bucket, prefix and region.
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
