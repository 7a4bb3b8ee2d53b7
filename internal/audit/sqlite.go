package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

// SQLiteRepository implements Repository on the local database. Appends
// made while a dbx.WithTx scope is open join that transaction rather than
// competing for the single pooled connection.
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a repository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append inserts one event. Rows are never updated afterwards.
func (r *SQLiteRepository) Append(ctx context.Context, e *models.AuditEvent) error {
	actor, err := json.Marshal(e.Actor)
	if err != nil {
		return fmt.Errorf("marshal actor: %w", err)
	}
	var details []byte
	if e.Details != nil {
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
	}

	query := `INSERT INTO audit_events
		(id, ts, category, severity, action, success, error, duration_ms, actor, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = dbx.Conn(ctx, r.db).ExecContext(ctx, query,
		e.ID, e.Timestamp.UnixMilli(), string(e.Category), string(e.Severity),
		e.Action, boolToInt(e.Success), e.Error, e.DurationMS, actor, details)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Find lists events matching q, newest first.
func (r *SQLiteRepository) Find(ctx context.Context, q Query) ([]models.AuditEvent, error) {
	query := `SELECT id, ts, category, severity, action, success, error, duration_ms, actor, details
		FROM audit_events WHERE 1=1`
	var args []any

	if q.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(q.Category))
	}
	if !q.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		query += ` AND ts < ?`
		args = append(args, q.Until.UnixMilli())
	}
	if q.Success != nil {
		query += ` AND success = ?`
		args = append(args, boolToInt(*q.Success))
	}
	query += ` ORDER BY ts DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := dbx.Conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var result []models.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PurgeOlderThan deletes events with a timestamp before cutoff.
func (r *SQLiteRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := dbx.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM audit_events WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvent(rows *sql.Rows) (*models.AuditEvent, error) {
	var (
		e        models.AuditEvent
		ts       int64
		success  int
		category string
		severity string
		actor    []byte
		details  []byte
	)
	if err := rows.Scan(&e.ID, &ts, &category, &severity, &e.Action, &success,
		&e.Error, &e.DurationMS, &actor, &details); err != nil {
		return nil, fmt.Errorf("failed to scan audit row: %w", err)
	}
	e.Timestamp = time.UnixMilli(ts).UTC()
	e.Category = models.AuditCategory(category)
	e.Severity = models.AuditSeverity(severity)
	e.Success = success == 1
	if len(actor) > 0 {
		if err := json.Unmarshal(actor, &e.Actor); err != nil {
			return nil, fmt.Errorf("unmarshal actor: %w", err)
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
