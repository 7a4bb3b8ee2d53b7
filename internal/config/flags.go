package config

import (
	"flag"
	"os"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the remote sync authority (default from Config)
//	-d string   SQLite DSN of the device store
//	-k string   directory of the sealed key store
//	-r int      rotation interval in days
//	-t int      audit retention in days
//	-l          require local authentication for key access
//	-i int      sync interval in seconds
//	-b int      sync batch size
//	-o int      online check interval in seconds
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-k", "-r", "-t", "-l", "-i", "-b", "-o"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "base URL of the remote sync authority")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "SQLite DSN of the device store")
	fs.StringVar(&cfg.KeyStoreDir, "k", cfg.KeyStoreDir, "directory of the sealed key store")
	fs.IntVar(&cfg.RotationIntervalDays, "r", cfg.RotationIntervalDays, "rotation interval (in days)")
	fs.IntVar(&cfg.AuditRetentionDays, "t", cfg.AuditRetentionDays, "audit retention (in days)")
	fs.BoolVar(&cfg.RequireLocalAuthForKeyAccess, "l", cfg.RequireLocalAuthForKeyAccess, "require local authentication for key access")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "sync interval (in seconds)")
	fs.IntVar(&cfg.SyncBatchSize, "b", cfg.SyncBatchSize, "sync batch size")
	onlineCheckInterval := fs.Int("o", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
}
