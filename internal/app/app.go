// Package app wires the finance core together: one database handle, one
// instance of every service, explicit dependencies throughout. It is the
// only package that knows how the pieces connect; everything below it takes
// collaborators through constructors.
package app

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/audit"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/config"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/cryptox"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/fields"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/keystore"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/persist"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/recovery"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/rotation"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/store"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/syncx"
)

// Mode is the connectivity state toward the remote authority.
type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// App owns the constructed service graph. Build one with NewApp, then call
// Unlock before touching any entity or key operation.
type App struct {
	cfg    *config.Config
	log    logging.Logger
	db     *sql.DB
	tokens syncx.TokenSource
	auth   keystore.Authenticator

	audit     *audit.Service
	keys      *keystore.Manager
	crypto    *cryptox.Service
	fields    *fields.Manager
	client    *syncx.Client
	coord     *syncx.Coordinator
	syncMgr   *syncx.Manager
	scheduler *syncx.Scheduler
	rotation  *rotation.Service
	recovery  *recovery.Service
	backups   persist.Store
	backupKey []byte

	mu       sync.Mutex
	mode     Mode
	unlocked bool
}

// NewApp opens the device database and applies migrations. Services that
// need key material are constructed during Unlock. auth may be nil when
// local authentication is not required by configuration.
func NewApp(ctx context.Context, cfg *config.Config, log logging.Logger,
	tokens syncx.TokenSource, auth keystore.Authenticator) (*App, error) {
	db, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	return &App{
		cfg:    cfg,
		log:    log,
		db:     db,
		tokens: tokens,
		auth:   auth,
		mode:   ModeOffline,
	}, nil
}

// Unlock derives the master key from the passphrase, verifies it against the
// stored verifier (or establishes one on first run) and constructs the
// services that depend on key material. The passphrase slice is wiped.
func (a *App) Unlock(ctx context.Context, passphrase []byte) error {
	defer common.WipeByteArray(passphrase)

	meta := store.NewSQLiteMetadataRepository(a.db)

	salt, err := meta.Get(ctx, store.MetaSalt)
	if err != nil {
		return err
	}
	firstRun := len(salt) == 0
	if firstRun {
		salt = common.GenerateRandByteArray(cryptox.SaltSize)
	}

	master := cryptox.DeriveMasterKey(passphrase, salt)
	defer common.WipeByteArray(master)
	verifier := cryptox.MakeVerifier(master)

	if firstRun {
		if err := meta.Set(ctx, store.MetaSalt, salt); err != nil {
			return err
		}
		if err := meta.Set(ctx, store.MetaVerifier, verifier); err != nil {
			return err
		}
	} else {
		stored, err := meta.Get(ctx, store.MetaVerifier)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(stored, verifier) != 1 {
			return fmt.Errorf("%w: passphrase verification failed", common.ErrUnauthorized)
		}
	}

	storageKey, err := cryptox.DeriveSubkey(master, "key-storage")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(storageKey)
	backupKey, err := cryptox.DeriveSubkey(master, "key-backup")
	if err != nil {
		return err
	}

	if err := a.buildServices(ctx, storageKey, backupKey); err != nil {
		common.WipeByteArray(backupKey)
		return err
	}

	a.mu.Lock()
	a.unlocked = true
	a.mu.Unlock()

	// Changes a crashed cycle left in-flight go back to pending before
	// anything touches the queue again.
	queue := syncx.NewSQLiteQueue(a.db)
	if n, err := queue.RecoverInFlight(ctx); err != nil {
		a.log.Warn(ctx, "change log recovery failed", "error", err)
	} else if n > 0 {
		a.log.Info(ctx, "recovered stranded changes", "count", n)
	}

	// Bootstraps the first key on a fresh store; otherwise rotates only when
	// the configured interval has elapsed.
	if _, _, err := a.rotation.RotateIfDue(ctx, a.cfg.RotationInterval()); err != nil {
		return err
	}

	// Acknowledged changes are kept for the same window as the audit trail,
	// then trimmed.
	if _, err := queue.PurgeAcknowledged(ctx, time.Now().UTC().Add(-a.cfg.AuditRetention())); err != nil {
		a.log.Warn(ctx, "change log purge failed", "error", err)
	}
	if _, err := a.audit.PurgeExpired(ctx); err != nil {
		a.log.Warn(ctx, "audit retention purge failed", "error", err)
	}
	return nil
}

func (a *App) buildServices(ctx context.Context, storageKey, backupKey []byte) error {
	auditService := audit.NewService(audit.NewSQLiteRepository(a.db), a.log, a.cfg.AuditRetention())

	secureStore, err := keystore.NewFileSecureStore(a.cfg.KeyStoreDir, storageKey)
	if err != nil {
		return err
	}
	keys := keystore.NewManager(keystore.NewSQLiteMetadataRepository(a.db), secureStore,
		a.auth, auditService, a.log, a.cfg.RequireLocalAuthForKeyAccess)

	crypto := cryptox.NewService(keys, auditService)
	fieldManager := fields.NewManager(fields.DefaultClassification(), crypto)

	backups, err := persist.NewStore(ctx, a.cfg.Backup)
	if err != nil {
		return err
	}

	originID, err := a.deviceID(ctx)
	if err != nil {
		return err
	}

	coord := syncx.NewCoordinator()
	client := syncx.NewClient(a.cfg.ServerEndpointAddr, a.tokens, a.log, 30*time.Second)
	resolver := syncx.NewResolver(syncx.DefaultAppendMergeFields())
	syncManager := syncx.NewManager(a.db, client, resolver, fieldManager,
		auditService, a.log, coord, a.cfg.SyncBatchSize, originID)

	rotationService := rotation.NewService(a.db, keys, fieldManager, auditService, a.log, coord)
	recoveryService := recovery.NewService(a.db, keys, fieldManager, rotationService,
		backups, backupKey, auditService, a.log)

	a.audit = auditService
	a.keys = keys
	a.crypto = crypto
	a.fields = fieldManager
	a.client = client
	a.coord = coord
	a.syncMgr = syncManager
	a.scheduler = syncx.NewScheduler(syncManager, a.log, a.cfg.SyncInterval)
	a.rotation = rotationService
	a.recovery = recoveryService
	a.backups = backups
	a.backupKey = backupKey
	return nil
}

// deviceID returns the durable random id of this replica, creating it on
// first run. It breaks conflict-resolution ties between replicas.
func (a *App) deviceID(ctx context.Context) (string, error) {
	meta := store.NewSQLiteMetadataRepository(a.db)
	raw, err := meta.Get(ctx, store.MetaDeviceID)
	if err != nil {
		return "", err
	}
	if len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.NewString()
	if err := meta.Set(ctx, store.MetaDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func (a *App) requireUnlocked() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.unlocked {
		return fmt.Errorf("%w: unlock required", common.ErrUnauthorized)
	}
	return nil
}

// RequestSync runs one sync cycle immediately.
func (a *App) RequestSync(ctx context.Context) (syncx.Status, error) {
	if err := a.requireUnlocked(); err != nil {
		return syncx.Status{}, err
	}
	return a.syncMgr.RunCycle(ctx)
}

// TriggerSync asks the background scheduler for a cycle soon, without
// blocking. Unlike RequestSync it never runs the cycle inline.
func (a *App) TriggerSync() {
	if a.scheduler != nil {
		a.scheduler.Trigger()
	}
}

// RequestKeyRotation rotates the active key now.
func (a *App) RequestKeyRotation(ctx context.Context) (rotation.Result, error) {
	if err := a.requireUnlocked(); err != nil {
		return rotation.Result{}, err
	}
	return a.rotation.Rotate(ctx)
}

// Recover runs one recovery scenario.
func (a *App) Recover(ctx context.Context, req recovery.Request) (recovery.Outcome, error) {
	if err := a.requireUnlocked(); err != nil {
		return recovery.Outcome{}, err
	}
	return a.recovery.Run(ctx, req)
}

// RecoveryPlan returns the plan for a scenario without executing anything.
func (a *App) RecoveryPlan(scenario recovery.Scenario) (recovery.Plan, error) {
	if err := a.requireUnlocked(); err != nil {
		return recovery.Plan{}, err
	}
	return a.recovery.PlanFor(scenario), nil
}

// ClassifyFailure maps an error from an entity operation to the recovery
// scenario that handles it, or "" when no recovery path applies.
func (a *App) ClassifyFailure(err error) recovery.Scenario {
	return recovery.Classify(err)
}

// BackupKeys writes the encrypted key backup to the configured store.
func (a *App) BackupKeys(ctx context.Context) error {
	if err := a.requireUnlocked(); err != nil {
		return err
	}
	if a.backups == nil {
		return errors.New("no backup store configured")
	}
	return a.keys.BackupKeys(ctx, a.backups, a.backupKey)
}

// AuditEvents queries the audit log.
func (a *App) AuditEvents(ctx context.Context, q audit.Query) ([]models.AuditEvent, error) {
	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}
	return a.audit.Find(ctx, q)
}

// Mode returns the current connectivity mode.
func (a *App) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *App) setMode(ctx context.Context, mode Mode) {
	a.mu.Lock()
	changed := a.mode != mode
	a.mode = mode
	a.mu.Unlock()
	if changed {
		a.log.Info(ctx, "connectivity changed", "mode", string(mode))
		if mode == ModeOnline {
			a.TriggerSync()
		}
	}
}

// Run starts the background scheduler and the reachability watcher. It
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.requireUnlocked(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.watchReachability(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// watchReachability probes the server on an interval and flips the mode.
// A transition to online triggers a sync cycle.
func (a *App) watchReachability(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.OnlineCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := a.client.Ping(probeCtx)
			cancel()

			if err != nil {
				a.setMode(ctx, ModeOffline)
			} else {
				a.setMode(ctx, ModeOnline)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the database handle and wipes derived key material.
func (a *App) Close() error {
	common.WipeByteArray(a.backupKey)
	a.backupKey = nil
	return a.db.Close()
}
