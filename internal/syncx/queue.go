// Package syncx implements the offline synchronization engine: the durable
// change queue, the conflict resolver, the HTTP transport to the remote
// authority and the sync manager that drives one cycle end to end.
package syncx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

// Queue is the append-only ordered log of local mutations awaiting remote
// acknowledgment. Entries are never removed before acknowledgment, which
// guarantees at-least-once delivery across process restarts.
type Queue interface {
	Enqueue(ctx context.Context, entry *models.ChangeLogEntry) error
	NextBatch(ctx context.Context, limit int) ([]models.ChangeLogEntry, error)
	MarkInFlight(ctx context.Context, ids []string) error
	MarkAcknowledged(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string, reason string) error
	Requeue(ctx context.Context, ids []string) error
	PendingForEntity(ctx context.Context, table, entityID string) (bool, error)
	Unacknowledged(ctx context.Context) ([]models.ChangeLogEntry, error)
	UpdatePayload(ctx context.Context, id string, payload []byte) error
	PurgeAcknowledged(ctx context.Context, olderThan time.Time) (int64, error)
	RecoverInFlight(ctx context.Context) (int64, error)
}

// SQLiteQueue implements Queue on the change_log table.
type SQLiteQueue struct {
	db dbx.DBTX
}

// NewSQLiteQueue returns a queue bound to the given DBTX.
func NewSQLiteQueue(db dbx.DBTX) *SQLiteQueue {
	return &SQLiteQueue{db: db}
}

// Enqueue appends one entry, assigning id and creation time if unset. Seq is
// assigned by the database.
func (q *SQLiteQueue) Enqueue(ctx context.Context, e *models.ChangeLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.ChangeStatusPending
	}

	query := `INSERT INTO change_log (id, op, tbl, entity_id, payload, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.db.ExecContext(ctx, query,
		e.ID, string(e.Op), e.Table, e.EntityID, e.Payload, string(e.Status),
		e.Attempts, e.LastError, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}
	return nil
}

// NextBatch returns up to limit pending entries in sequence order. Entries
// previously marked failed are retried after pending ones.
func (q *SQLiteQueue) NextBatch(ctx context.Context, limit int) ([]models.ChangeLogEntry, error) {
	query := `SELECT seq, id, op, tbl, entity_id, payload, status, attempts, last_error, created_at
		FROM change_log
		WHERE status IN ('pending', 'failed')
		ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, seq
		LIMIT ?`
	rows, err := q.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select batch: %w", err)
	}
	defer rows.Close()

	var result []models.ChangeLogEntry
	for rows.Next() {
		var (
			e       models.ChangeLogEntry
			op      string
			status  string
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &op, &e.Table, &e.EntityID, &e.Payload,
			&status, &e.Attempts, &e.LastError, &created); err != nil {
			return nil, err
		}
		e.Op = models.ChangeOp(op)
		e.Status = models.ChangeStatus(status)
		e.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkInFlight transitions entries to in-flight and bumps their attempt
// counter.
func (q *SQLiteQueue) MarkInFlight(ctx context.Context, ids []string) error {
	return q.setStatus(ctx, ids, models.ChangeStatusInFlight, "", true)
}

// MarkAcknowledged finalizes delivered entries.
func (q *SQLiteQueue) MarkAcknowledged(ctx context.Context, ids []string) error {
	return q.setStatus(ctx, ids, models.ChangeStatusAcknowledged, "", false)
}

// MarkFailed records a rejection reason; failed entries stay in the log and
// are retried on later cycles.
func (q *SQLiteQueue) MarkFailed(ctx context.Context, ids []string, reason string) error {
	return q.setStatus(ctx, ids, models.ChangeStatusFailed, reason, false)
}

// Requeue returns in-flight entries to pending after a transport failure.
func (q *SQLiteQueue) Requeue(ctx context.Context, ids []string) error {
	return q.setStatus(ctx, ids, models.ChangeStatusPending, "", false)
}

func (q *SQLiteQueue) setStatus(ctx context.Context, ids []string, status models.ChangeStatus, reason string, bumpAttempts bool) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `UPDATE change_log SET status = ?, last_error = ?`
	if bumpAttempts {
		query += `, attempts = attempts + 1`
	}
	query += ` WHERE id IN (` + placeholders + `)`

	args := make([]any, 0, len(ids)+2)
	args = append(args, string(status), reason)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set change status: %w", err)
	}
	return nil
}

// PendingForEntity reports whether an unacknowledged local change exists for
// the entity. The sync manager uses this for conflict detection during pull.
func (q *SQLiteQueue) PendingForEntity(ctx context.Context, table, entityID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_log
		 WHERE tbl = ? AND entity_id = ? AND status IN ('pending', 'in-flight', 'failed')`,
		table, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n > 0, nil
}

// Unacknowledged lists every entry not yet acknowledged, in sequence order.
func (q *SQLiteQueue) Unacknowledged(ctx context.Context) ([]models.ChangeLogEntry, error) {
	query := `SELECT seq, id, op, tbl, entity_id, payload, status, attempts, last_error, created_at
		FROM change_log WHERE status != 'acknowledged' ORDER BY seq`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select unacknowledged changes: %w", err)
	}
	defer rows.Close()

	var result []models.ChangeLogEntry
	for rows.Next() {
		var (
			e       models.ChangeLogEntry
			op      string
			status  string
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &op, &e.Table, &e.EntityID, &e.Payload,
			&status, &e.Attempts, &e.LastError, &created); err != nil {
			return nil, err
		}
		e.Op = models.ChangeOp(op)
		e.Status = models.ChangeStatus(status)
		e.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdatePayload replaces the serialized entity of an unacknowledged entry.
// Key rotation uses this to re-encrypt queued payloads so a wiped key never
// strands a pending change.
func (q *SQLiteQueue) UpdatePayload(ctx context.Context, id string, payload []byte) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE change_log SET payload = ? WHERE id = ? AND status != 'acknowledged'`,
		payload, id)
	if err != nil {
		return fmt.Errorf("failed to update change payload: %w", err)
	}
	return nil
}

// RecoverInFlight returns every in-flight entry to pending. A crash during
// a sync cycle can strand its batch in-flight, where NextBatch would never
// pick it up again; unlock runs this before the first cycle.
func (q *SQLiteQueue) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE change_log SET status = 'pending' WHERE status = 'in-flight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight changes: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAcknowledged trims old acknowledged entries. Unacknowledged entries
// are never touched.
func (q *SQLiteQueue) PurgeAcknowledged(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE status = 'acknowledged' AND created_at < ?`,
		olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge change log: %w", err)
	}
	return res.RowsAffected()
}
