// Package rotation implements the key rotation state machine: generate a
// new key, re-encrypt every sensitive field record by record, then retire
// and wipe the old key only after a verification pass confirms nothing still
// references it.
//
// Migration proceeds with both keys readable, so a crash mid-rotation never
// leaves unreadable data; a restarted rotation simply resumes re-encrypting
// whatever still carries the old key id.
package rotation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/audit"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/fields"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/keystore"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/store"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/syncx"
)

// State is the rotation state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateRotating   State = "rotating"
	StateMigrating  State = "migrating"
	StateFinalizing State = "finalizing"
	StateFailed     State = "failed"
)

// MetaLastRotation is the metadata key holding the last successful rotation
// time (RFC3339).
const MetaLastRotation = "last_rotation"

// Result reports what one rotation did.
type Result struct {
	OldKeyID string
	NewKeyID string
	Migrated int
}

// Service drives key rotation. A single rotation may be in flight at a
// time; one requested during a sync cycle waits for the cycle to finish.
type Service struct {
	db      *sql.DB
	keys    *keystore.Manager
	fields  *fields.Manager
	auditor audit.Recorder
	log     logging.Logger
	coord   *syncx.Coordinator

	mu    sync.Mutex
	state State
}

// NewService constructs the rotation service.
func NewService(db *sql.DB, keys *keystore.Manager, fm *fields.Manager,
	auditor audit.Recorder, log logging.Logger, coord *syncx.Coordinator) *Service {
	return &Service{
		db:      db,
		keys:    keys,
		fields:  fm,
		auditor: auditor,
		log:     log,
		coord:   coord,
		state:   StateIdle,
	}
}

// State returns the current machine position.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Rotate performs one full rotation. A concurrent call is rejected with
// common.ErrRotationInProgress. Any failure rolls the machine back to idle
// with both keys still readable.
func (s *Service) Rotate(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return Result{}, common.ErrRotationInProgress
	}
	s.state = StateRotating
	s.mu.Unlock()

	release, err := s.coord.Acquire(ctx)
	if err != nil {
		s.setState(StateIdle)
		return Result{}, err
	}
	defer release()

	start := time.Now()
	result, err := s.rotate(ctx)

	if err != nil {
		s.setState(StateFailed)
		s.log.Error(ctx, "rotation failed, old key remains active", "error", err)
		s.setState(StateIdle)
	} else {
		s.setState(StateIdle)
	}

	s.auditor.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryKeyAccess,
		Severity: severityFor(err),
		Action:   "key_rotation",
		Success:  err == nil,
		Error:    errString(err),
		Details: map[string]any{
			"old_key": result.OldKeyID, "new_key": result.NewKeyID,
			"migrated": result.Migrated,
		},
		DurationMS: time.Since(start).Milliseconds(),
	})
	return result, err
}

func (s *Service) rotate(ctx context.Context) (Result, error) {
	var result Result

	oldID, err := s.keys.ActiveKeyID(ctx)
	if err != nil && !errors.Is(err, common.ErrKeyNotFound) {
		return result, fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
	}
	bootstrap := errors.Is(err, common.ErrKeyNotFound)
	result.OldKeyID = oldID

	newKey, err := s.keys.GenerateKey(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
	}
	result.NewKeyID = newKey.ID

	if bootstrap {
		// First key: nothing to migrate, store as active and finish.
		newKey.Status = models.KeyStatusActive
		if err := s.keys.StoreKey(ctx, newKey); err != nil {
			return result, fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
		}
		return result, s.recordRotationTime(ctx)
	}

	// The new key enters as retiring; the old key stays active until the
	// swap in finalization, so exactly one key is active while migration
	// runs. Both keys are readable throughout, which makes an interrupted
	// migration resumable.
	newKey.Status = models.KeyStatusRetiring
	if err := s.keys.StoreKey(ctx, newKey); err != nil {
		return result, fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
	}

	s.setState(StateMigrating)
	migrated, err := s.migrate(ctx, newKey.ID)
	result.Migrated = migrated
	if err != nil {
		// Migrated ciphertext stays readable under the new key, which
		// remains stored; the old key is still active.
		return result, err
	}

	s.setState(StateFinalizing)
	if err := s.finalize(ctx, newKey.ID); err != nil {
		return result, err
	}

	return result, s.recordRotationTime(ctx)
}

// migrate re-encrypts every entity and every unacknowledged change-log
// payload under the new key, one transaction per entity. Anything not yet
// under the new key is moved, which also consolidates fields left under a
// retiring key by an interrupted earlier rotation. Cancellation is honored
// only between entities.
func (s *Service) migrate(ctx context.Context, newID string) (int, error) {
	tables, err := store.NewSQLiteEntityRepository(s.db).AllTables(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
	}

	migrated := 0
	for _, table := range tables {
		entitiesOfTable, err := store.NewSQLiteEntityRepository(s.db).GetAll(ctx, table)
		if err != nil {
			return migrated, fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
		}
		for _, e := range entitiesOfTable {
			if err := ctx.Err(); err != nil {
				return migrated, err
			}
			if !s.fields.ReferencesKeyOtherThan(e, newID) {
				continue
			}
			if err := s.migrateEntity(ctx, e, newID); err != nil {
				return migrated, fmt.Errorf("%w: entity %s/%s: %v",
					common.ErrRotationFailure, e.Table, e.ID, err)
			}
			migrated++
		}
	}

	if err := s.migrateQueuedChanges(ctx, newID); err != nil {
		return migrated, err
	}
	return migrated, nil
}

func (s *Service) migrateEntity(ctx context.Context, e *models.Entity, newID string) error {
	opCtx := models.OperationContext{
		UserID:    e.OwnerID,
		Table:     e.Table,
		RecordID:  e.ID,
		Operation: "key_rotation",
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := store.NewSQLiteEntityRepository(tx)
		current, err := repo.GetByID(ctx, e.Table, e.ID)
		if err != nil {
			return err
		}
		reencrypted, err := s.fields.ReencryptRecord(ctx, opCtx, current, newID)
		if err != nil {
			return err
		}
		return repo.Upsert(ctx, reencrypted)
	})
}

// migrateQueuedChanges rewrites unacknowledged change payloads not yet
// encrypted under the new key, so wiping the keys they reference cannot
// strand a pending push.
func (s *Service) migrateQueuedChanges(ctx context.Context, newID string) error {
	queue := syncx.NewSQLiteQueue(s.db)
	entries, err := queue.Unacknowledged(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
	}
	for _, entry := range entries {
		e, err := models.DecodeEntity(entry.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
		}
		if !s.fields.ReferencesKeyOtherThan(e, newID) {
			continue
		}
		opCtx := models.OperationContext{
			UserID:    e.OwnerID,
			Table:     e.Table,
			RecordID:  e.ID,
			Operation: "key_rotation",
		}
		reencrypted, err := s.fields.ReencryptRecord(ctx, opCtx, e, newID)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
		}
		payload, err := models.EncodeEntity(reencrypted)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
		}
		if err := queue.UpdatePayload(ctx, entry.ID, payload); err != nil {
			return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
		}
	}
	return nil
}

// finalize promotes the new key and retires and wipes every other key,
// including any left in retiring state by an interrupted earlier rotation,
// after verifying no readable field anywhere still references them. The
// status swap is a single transaction so a crash can never leave the store
// with zero or two active keys.
func (s *Service) finalize(ctx context.Context, newID string) error {
	refs, err := s.referencedKeys(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
	}

	keys, err := s.keys.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
	}
	var stale []models.EncryptionKey
	for _, k := range keys {
		if k.ID == newID {
			continue
		}
		if n := refs[k.ID]; n > 0 {
			return fmt.Errorf("%w: %d fields still reference key %s", common.ErrRotationFailure, n, k.ID)
		}
		stale = append(stale, k)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.keys.MarkActive(ctx, newID); err != nil {
			return err
		}
		for _, k := range stale {
			if k.Status == models.KeyStatusRetired {
				continue
			}
			if err := s.keys.RetireKey(ctx, k.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
	}

	// Wiping is idempotent, so a retired key whose material survived an
	// earlier crash is cleaned up here as well.
	for _, k := range stale {
		if err := s.keys.WipeKey(ctx, k.ID); err != nil {
			return fmt.Errorf("%w: %v", common.ErrRotationFailure, err)
		}
	}
	s.log.Info(ctx, "key rotation finalized", "new_key", newID, "retired_keys", len(stale))
	return nil
}

// referencedKeys counts, per key id, the readable ciphertext fields across
// all entities and unacknowledged change payloads. One read transaction
// gives the verification a consistent snapshot.
func (s *Service) referencedKeys(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := dbx.WithReadTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		repo := store.NewSQLiteEntityRepository(tx)
		tables, err := repo.AllTables(ctx)
		if err != nil {
			return err
		}
		for _, table := range tables {
			all, err := repo.GetAll(ctx, table)
			if err != nil {
				return err
			}
			for _, e := range all {
				s.fields.CountKeyReferences(e, counts)
			}
		}

		entries, err := syncx.NewSQLiteQueue(tx).Unacknowledged(ctx)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			e, err := models.DecodeEntity(entry.Payload)
			if err != nil {
				return err
			}
			s.fields.CountKeyReferences(e, counts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// RotateIfDue rotates when the configured interval has elapsed since the
// last successful rotation. Bootstraps the first key on a fresh store.
func (s *Service) RotateIfDue(ctx context.Context, interval time.Duration) (Result, bool, error) {
	meta := store.NewSQLiteMetadataRepository(s.db)
	raw, err := meta.Get(ctx, MetaLastRotation)
	if err != nil {
		return Result{}, false, err
	}
	if len(raw) > 0 {
		last, err := time.Parse(time.RFC3339, string(raw))
		if err == nil && time.Since(last) < interval {
			return Result{}, false, nil
		}
	}
	result, err := s.Rotate(ctx)
	return result, true, err
}

func (s *Service) recordRotationTime(ctx context.Context) error {
	meta := store.NewSQLiteMetadataRepository(s.db)
	return meta.Set(ctx, MetaLastRotation, []byte(time.Now().UTC().Format(time.RFC3339)))
}

func severityFor(err error) models.AuditSeverity {
	if err == nil {
		return models.AuditSeverityInfo
	}
	return models.AuditSeverityCritical
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
