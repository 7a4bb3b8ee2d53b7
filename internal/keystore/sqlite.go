package keystore

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

// MetadataRepository persists key lifecycle metadata (id, status, creation
// time). Material itself never passes through here.
type MetadataRepository interface {
	Insert(ctx context.Context, key *models.EncryptionKey) error
	UpdateStatus(ctx context.Context, keyID string, status models.KeyStatus) error
	GetByID(ctx context.Context, keyID string) (*models.EncryptionKey, error)
	ActiveKey(ctx context.Context) (*models.EncryptionKey, error)
	List(ctx context.Context) ([]models.EncryptionKey, error)
}

// SQLiteMetadataRepository implements MetadataRepository on the local
// database. Queries join an open dbx.WithTx scope when the context carries
// one, so status changes made during rotation's finalization commit as a
// unit with the rest of the scope.
type SQLiteMetadataRepository struct {
	db dbx.DBTX
}

// NewSQLiteMetadataRepository returns a repository bound to the given DBTX.
func NewSQLiteMetadataRepository(db dbx.DBTX) *SQLiteMetadataRepository {
	return &SQLiteMetadataRepository{db: db}
}

func (r *SQLiteMetadataRepository) Insert(ctx context.Context, key *models.EncryptionKey) error {
	_, err := dbx.Conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO key_metadata (id, status, created_at) VALUES (?, ?, ?)`,
		key.ID, string(key.Status), key.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert key metadata: %w", err)
	}
	return nil
}

func (r *SQLiteMetadataRepository) UpdateStatus(ctx context.Context, keyID string, status models.KeyStatus) error {
	res, err := dbx.Conn(ctx, r.db).ExecContext(ctx,
		`UPDATE key_metadata SET status = ? WHERE id = ?`, string(status), keyID)
	if err != nil {
		return fmt.Errorf("failed to update key status: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("%w: key %s", common.ErrKeyNotFound, keyID)
	}
	return nil
}

func (r *SQLiteMetadataRepository) GetByID(ctx context.Context, keyID string) (*models.EncryptionKey, error) {
	row := dbx.Conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, status, created_at FROM key_metadata WHERE id = ?`, keyID)
	return scanKey(row)
}

// ActiveKey returns the active key, preferring the newest row should the
// store ever hold more than one. Rotation heals that state on its next run.
func (r *SQLiteMetadataRepository) ActiveKey(ctx context.Context) (*models.EncryptionKey, error) {
	row := dbx.Conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, status, created_at FROM key_metadata WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		string(models.KeyStatusActive))
	return scanKey(row)
}

func (r *SQLiteMetadataRepository) List(ctx context.Context) ([]models.EncryptionKey, error) {
	rows, err := dbx.Conn(ctx, r.db).QueryContext(ctx,
		`SELECT id, status, created_at FROM key_metadata ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var result []models.EncryptionKey
	for rows.Next() {
		var (
			k       models.EncryptionKey
			status  string
			created int64
		)
		if err := rows.Scan(&k.ID, &status, &created); err != nil {
			return nil, err
		}
		k.Status = models.KeyStatus(status)
		k.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanKey(row *sql.Row) (*models.EncryptionKey, error) {
	var (
		k       models.EncryptionKey
		status  string
		created int64
	)
	if err := row.Scan(&k.ID, &status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to scan key metadata: %w", err)
	}
	k.Status = models.KeyStatus(status)
	k.CreatedAt = time.UnixMilli(created).UTC()
	return &k, nil
}
