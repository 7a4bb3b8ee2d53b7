// Package store contains the SQLite repositories for the device-resident
// entity store: entities keyed by id within per-table collections, plus a
// small metadata key/value table for sync watermarks and unlock material.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

// EntityRepository describes CRUD and query operations for entities.
type EntityRepository interface {
	Upsert(ctx context.Context, entity *models.Entity) error
	GetByID(ctx context.Context, table, id string) (*models.Entity, error)
	GetAll(ctx context.Context, table string) ([]*models.Entity, error)
	AllTables(ctx context.Context) ([]string, error)
	SetSyncedAt(ctx context.Context, table, id string, syncedAt time.Time) error
}

// SQLiteEntityRepository implements EntityRepository using a DBTX (either
// *sql.DB or *sql.Tx).
type SQLiteEntityRepository struct {
	db dbx.DBTX
}

// NewSQLiteEntityRepository returns a repository bound to the given DBTX.
func NewSQLiteEntityRepository(db dbx.DBTX) *SQLiteEntityRepository {
	return &SQLiteEntityRepository{db: db}
}

// Upsert inserts or replaces an entity by (table, id). The fields map is
// stored as one msgpack blob; sensitive fields inside it are already
// ciphertext by the time they reach the repository.
func (r *SQLiteEntityRepository) Upsert(ctx context.Context, e *models.Entity) error {
	blob, err := models.EncodeEntity(e)
	if err != nil {
		return err
	}

	query := `INSERT INTO entities (id, tbl, owner_id, fields, updated_at, deleted_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, id) DO UPDATE SET
			owner_id = excluded.owner_id,
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			synced_at = excluded.synced_at`
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.Table, e.OwnerID, blob, e.UpdatedAt.UnixMilli(),
		nullableMilli(e.DeletedAt), nullableMilli(e.SyncedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// GetByID returns one entity, tombstones included.
func (r *SQLiteEntityRepository) GetByID(ctx context.Context, table, id string) (*models.Entity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT fields FROM entities WHERE tbl = ? AND id = ?`, table, id)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return models.DecodeEntity(blob)
}

// GetAll lists every entity of a table, tombstones included (sync needs
// them).
func (r *SQLiteEntityRepository) GetAll(ctx context.Context, table string) ([]*models.Entity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT fields FROM entities WHERE tbl = ? ORDER BY updated_at`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to select entities: %w", err)
	}
	defer rows.Close()

	var result []*models.Entity
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		e, err := models.DecodeEntity(blob)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// AllTables returns the distinct table names currently stored.
func (r *SQLiteEntityRepository) AllTables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT tbl FROM entities ORDER BY tbl`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// SetSyncedAt advances the per-entity synced watermark after remote
// acknowledgment. Only the sync manager calls this.
func (r *SQLiteEntityRepository) SetSyncedAt(ctx context.Context, table, id string, syncedAt time.Time) error {
	e, err := r.GetByID(ctx, table, id)
	if err != nil {
		return err
	}
	e.SyncedAt = &syncedAt
	return r.Upsert(ctx, e)
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
