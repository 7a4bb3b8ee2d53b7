package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
)

// Metadata keys used by the core.
const (
	MetaSyncWatermark = "sync_watermark"
	MetaSalt          = "salt"
	MetaVerifier      = "verifier"
	MetaDeviceID      = "device_id"
)

// MetadataRepository is a small key/value store for durable bookkeeping:
// the sync watermark, the passphrase salt and verifier, the device id.
type MetadataRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// SQLiteMetadataRepository implements MetadataRepository.
type SQLiteMetadataRepository struct {
	db dbx.DBTX
}

// NewSQLiteMetadataRepository returns a repository bound to the given DBTX.
func NewSQLiteMetadataRepository(db dbx.DBTX) *SQLiteMetadataRepository {
	return &SQLiteMetadataRepository{db: db}
}

// Get returns the value for key, or nil when the key is absent.
func (r *SQLiteMetadataRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteMetadataRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteMetadataRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}
