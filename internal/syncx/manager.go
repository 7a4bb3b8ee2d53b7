package syncx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/audit"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/fields"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/store"
)

// Transport is the remote-authority surface the manager drives. Implemented
// by Client; tests substitute a fake.
type Transport interface {
	Push(ctx context.Context, entries []models.ChangeLogEntry) ([]PushResult, error)
	Pull(ctx context.Context, since time.Time) ([]*models.Entity, string, time.Time, error)
	Ping(ctx context.Context) error
}

// Status summarizes the outcome of one sync cycle for the caller. Transport
// failures are retryable, never data loss.
type Status struct {
	Pushed    int
	Accepted  int
	Rejected  int
	Pulled    int
	Conflicts int
	Retryable bool
	Err       error
}

// Manager orchestrates one sync cycle: push the queued batch, pull remote
// changes, resolve conflicts, persist results and advance the watermark.
// Cancellation is honored only at entity boundaries so a single entity's
// merge is never half-applied.
type Manager struct {
	db        *sql.DB
	client    Transport
	resolver  *Resolver
	fields    *fields.Manager
	auditor   audit.Recorder
	log       logging.Logger
	coord     *Coordinator
	batchSize int
	originID  string

	running atomic.Bool
}

// NewManager constructs the sync manager. originID is this replica's stable
// identifier (the device id), used for deterministic tie-breaks.
func NewManager(db *sql.DB, client Transport, resolver *Resolver, fm *fields.Manager,
	auditor audit.Recorder, log logging.Logger, coord *Coordinator, batchSize int, originID string) *Manager {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Manager{
		db:        db,
		client:    client,
		resolver:  resolver,
		fields:    fm,
		auditor:   auditor,
		log:       log,
		coord:     coord,
		batchSize: batchSize,
		originID:  originID,
	}
}

// RunCycle executes one sync cycle. A second concurrent call returns
// common.ErrSyncInProgress; a rotation in flight delays the cycle until the
// rotation completes.
func (m *Manager) RunCycle(ctx context.Context) (Status, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Status{}, common.ErrSyncInProgress
	}
	defer m.running.Store(false)

	release, err := m.coord.Acquire(ctx)
	if err != nil {
		return Status{}, err
	}
	defer release()

	return m.run(ctx)
}

// RunCycleIfIdle runs a cycle only when neither a sync nor a rotation holds
// the execution slot; ran is false when it was busy. The scheduler uses it
// for triggered cycles so an opportunistic trigger never queues behind a
// long rotation.
func (m *Manager) RunCycleIfIdle(ctx context.Context) (status Status, ran bool, err error) {
	if !m.running.CompareAndSwap(false, true) {
		return Status{}, false, nil
	}
	defer m.running.Store(false)

	release, ok := m.coord.TryAcquire()
	if !ok {
		return Status{}, false, nil
	}
	defer release()

	status, err = m.run(ctx)
	return status, true, err
}

func (m *Manager) run(ctx context.Context) (Status, error) {
	start := time.Now()
	status, err := m.cycle(ctx)
	status.Err = err
	status.Retryable = errors.Is(err, common.ErrSyncTransport)

	m.auditor.Record(ctx, models.AuditEvent{
		Category: models.AuditCategorySync,
		Severity: severityFor(err),
		Action:   "sync_cycle",
		Success:  err == nil,
		Error:    errString(err),
		Details: map[string]any{
			"pushed": status.Pushed, "accepted": status.Accepted,
			"rejected": status.Rejected, "pulled": status.Pulled,
			"conflicts": status.Conflicts,
		},
		DurationMS: time.Since(start).Milliseconds(),
	})

	return status, err
}

func (m *Manager) cycle(ctx context.Context) (Status, error) {
	var status Status

	queue := NewSQLiteQueue(m.db)
	meta := store.NewSQLiteMetadataRepository(m.db)

	// Step 1: bounded batch keeps the cycle finite and interruptible.
	batch, err := queue.NextBatch(ctx, m.batchSize)
	if err != nil {
		return status, err
	}
	status.Pushed = len(batch)

	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	if err := queue.MarkInFlight(ctx, ids); err != nil {
		return status, err
	}

	// Whatever aborts the cycle from here on, entries neither acknowledged
	// nor failed go back to pending. Left in-flight they would fall outside
	// NextBatch and never be retried; at-least-once delivery makes the
	// replayed push harmless.
	inFlight := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inFlight[id] = struct{}{}
	}
	defer func() {
		var left []string
		for _, id := range ids {
			if _, ok := inFlight[id]; ok {
				left = append(left, id)
			}
		}
		if len(left) == 0 {
			return
		}
		if err := queue.Requeue(context.WithoutCancel(ctx), left); err != nil {
			m.log.Error(ctx, "requeue unresolved batch", "error", err)
		}
	}()

	// Step 2: push; on transport failure the cycle aborts and the retry
	// happens on the next trigger with backoff.
	var results []PushResult
	if len(batch) > 0 {
		results, err = m.client.Push(ctx, batch)
		if err != nil {
			return status, err
		}
	}

	// Step 3: pull everything newer than the watermark.
	watermark, err := m.readWatermark(ctx, meta)
	if err != nil {
		return status, err
	}
	pulled, remoteOrigin, serverNow, err := m.client.Pull(ctx, watermark)
	if err != nil {
		return status, err
	}
	status.Pulled = len(pulled)

	// Steps 4–5: apply each pulled entity, one transaction per entity.
	// Cancellation is checked only here, at entity boundaries.
	for _, remote := range pulled {
		if err := ctx.Err(); err != nil {
			return status, err
		}
		conflicted, err := m.applyRemote(ctx, remote, remoteOrigin, serverNow)
		if err != nil {
			return status, err
		}
		if conflicted {
			status.Conflicts++
		}
	}

	// Step 6: acknowledge the pushed batch only now that every affected
	// entity has committed.
	var ackIDs []string
	for _, r := range results {
		if r.Accepted {
			ackIDs = append(ackIDs, r.EntryID)
			status.Accepted++
		} else {
			if err := queue.MarkFailed(ctx, []string{r.EntryID}, r.Reason); err != nil {
				return status, err
			}
			delete(inFlight, r.EntryID)
			status.Rejected++
			m.log.Warn(ctx, "change rejected by server", "entry", r.EntryID, "reason", r.Reason)
		}
	}
	if err := queue.MarkAcknowledged(ctx, ackIDs); err != nil {
		return status, err
	}
	for _, id := range ackIDs {
		delete(inFlight, id)
	}
	if err := m.markPushedSynced(ctx, batch, ackIDs, serverNow); err != nil {
		return status, err
	}

	if err := meta.Set(ctx, store.MetaSyncWatermark, []byte(serverNow.UTC().Format(time.RFC3339Nano))); err != nil {
		return status, err
	}

	m.log.Info(ctx, "sync cycle finished",
		"pushed", status.Pushed, "accepted", status.Accepted,
		"pulled", status.Pulled, "conflicts", status.Conflicts)
	return status, nil
}

// applyRemote commits one pulled entity. When an unacknowledged local change
// exists for the same record, the conflict is resolved on decrypted values
// and the merged result is re-encrypted through the field manager before it
// is stored, so all ciphertext flows through a single nonce-generating path.
func (m *Manager) applyRemote(ctx context.Context, remote *models.Entity, remoteOrigin string, serverNow time.Time) (conflicted bool, err error) {
	err = dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		entities := store.NewSQLiteEntityRepository(tx)
		queue := NewSQLiteQueue(tx)

		pending, err := queue.PendingForEntity(ctx, remote.Table, remote.ID)
		if err != nil {
			return err
		}
		local, err := entities.GetByID(ctx, remote.Table, remote.ID)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return err
		}

		if local == nil || !pending {
			applied := remote.Clone()
			applied.SyncedAt = &serverNow
			return entities.Upsert(ctx, applied)
		}

		conflicted = true
		opCtx := models.OperationContext{
			UserID:    local.OwnerID,
			Table:     remote.Table,
			RecordID:  remote.ID,
			Operation: "conflict_merge",
		}

		localPlain, err := m.fields.DecryptRecord(ctx, opCtx, local)
		if err != nil {
			return err
		}
		remotePlain, err := m.fields.DecryptRecord(ctx, opCtx, remote)
		if err != nil {
			return err
		}

		baseline := local.SyncedAt
		merged, err := m.resolver.Resolve(models.Conflict{
			Table:    remote.Table,
			EntityID: remote.ID,
			Local:    localPlain,
			Remote:   remotePlain,
			Baseline: baseline,
		}, m.originID, remoteOrigin)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrSyncConflictUnresolvable, err)
		}

		divergesFromRemote := !reflect.DeepEqual(merged.Fields, remotePlain.Fields) ||
			merged.Deleted() != remotePlain.Deleted()
		if divergesFromRemote {
			// The merge produced something the server has not seen yet.
			merged.UpdatedAt = time.Now().UTC()
		}

		sealed, err := m.fields.EncryptRecord(ctx, opCtx, merged)
		if err != nil {
			return err
		}
		sealed.SyncedAt = &serverNow
		if err := entities.Upsert(ctx, sealed); err != nil {
			return err
		}

		if divergesFromRemote {
			payload, err := models.EncodeEntity(sealed)
			if err != nil {
				return err
			}
			if err := queue.Enqueue(ctx, &models.ChangeLogEntry{
				Op:       models.ChangeOpUpdate,
				Table:    sealed.Table,
				EntityID: sealed.ID,
				Payload:  payload,
			}); err != nil {
				return err
			}
		}

		m.auditor.Record(ctx, models.AuditEvent{
			Category: models.AuditCategorySync,
			Severity: models.AuditSeverityInfo,
			Action:   "conflict_resolved",
			Success:  true,
			Actor:    opCtx,
			Details: map[string]any{
				"table": remote.Table, "entity_id": remote.ID,
				"diverges": divergesFromRemote,
			},
		})
		return nil
	})
	return conflicted, err
}

// markPushedSynced advances syncedAt for entities whose change entries were
// acknowledged, skipping any entity also touched by the pull (already
// stamped there).
func (m *Manager) markPushedSynced(ctx context.Context, batch []models.ChangeLogEntry, ackIDs []string, serverNow time.Time) error {
	acked := make(map[string]struct{}, len(ackIDs))
	for _, id := range ackIDs {
		acked[id] = struct{}{}
	}
	for _, e := range batch {
		if _, ok := acked[e.ID]; !ok {
			continue
		}
		err := dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			entities := store.NewSQLiteEntityRepository(tx)
			err := entities.SetSyncedAt(ctx, e.Table, e.EntityID, serverNow)
			if errors.Is(err, common.ErrorNotFound) {
				return nil // deleted locally since; tombstone already synced
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readWatermark(ctx context.Context, meta store.MetadataRepository) (time.Time, error) {
	raw, err := meta.Get(ctx, store.MetaSyncWatermark)
	if err != nil {
		return time.Time{}, err
	}
	if len(raw) == 0 {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("bad watermark %q: %w", raw, err)
	}
	return t, nil
}

func severityFor(err error) models.AuditSeverity {
	if err == nil {
		return models.AuditSeverityInfo
	}
	return models.AuditSeverityWarning
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
