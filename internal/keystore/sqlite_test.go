package keystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

func insertKey(t *testing.T, repo *SQLiteMetadataRepository, id string, status models.KeyStatus, createdAt time.Time) {
	t.Helper()
	require.NoError(t, repo.Insert(context.Background(), &models.EncryptionKey{
		ID:        id,
		Status:    status,
		CreatedAt: createdAt,
	}))
}

func keyStatus(t *testing.T, repo *SQLiteMetadataRepository, id string) models.KeyStatus {
	t.Helper()
	k, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return k.Status
}

// Status updates issued inside an open dbx.WithTx scope must share that
// transaction: with the pool capped at one connection they would otherwise
// deadlock, and rotation relies on the active/retired swap committing as a
// unit.
func TestMetadataRepository_StatusSwapJoinsTransaction(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	db.SetMaxOpenConns(1)
	repo := NewSQLiteMetadataRepository(db)

	now := time.Now().UTC()
	insertKey(t, repo, "key-old", models.KeyStatusActive, now.Add(-time.Hour))
	insertKey(t, repo, "key-new", models.KeyStatusRetiring, now)

	// An aborted scope leaves both statuses untouched.
	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := repo.UpdateStatus(ctx, "key-new", models.KeyStatusActive); err != nil {
			return err
		}
		if err := repo.UpdateStatus(ctx, "key-old", models.KeyStatusRetired); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, models.KeyStatusActive, keyStatus(t, repo, "key-old"))
	assert.Equal(t, models.KeyStatusRetiring, keyStatus(t, repo, "key-new"))

	// A committed scope applies both.
	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := repo.UpdateStatus(ctx, "key-new", models.KeyStatusActive); err != nil {
			return err
		}
		return repo.UpdateStatus(ctx, "key-old", models.KeyStatusRetired)
	})
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusRetired, keyStatus(t, repo, "key-old"))
	assert.Equal(t, models.KeyStatusActive, keyStatus(t, repo, "key-new"))
}

func TestMetadataRepository_ActiveKeyPrefersNewest(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := NewSQLiteMetadataRepository(db)

	now := time.Now().UTC()
	insertKey(t, repo, "key-a", models.KeyStatusActive, now.Add(-time.Hour))
	insertKey(t, repo, "key-b", models.KeyStatusActive, now)

	active, err := repo.ActiveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-b", active.ID)
}
