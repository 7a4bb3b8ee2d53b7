package keystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/persist"
)

func newBackupStore(t *testing.T) persist.Store {
	t.Helper()
	s, err := persist.NewFileStore(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)
	return s
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	m := newTestManager(t, nil, false)
	ctx := context.Background()
	backups := newBackupStore(t)
	backupKey := common.GenerateRandByteArray(32)

	key, err := m.GenerateKey(ctx)
	require.NoError(t, err)
	require.NoError(t, m.StoreKey(ctx, key))
	want, err := m.KeyMaterial(ctx, key.ID)
	require.NoError(t, err)

	require.NoError(t, m.BackupKeys(ctx, backups, backupKey))

	// simulate key loss
	require.NoError(t, m.WipeKey(ctx, key.ID))
	_, err = m.KeyMaterial(ctx, key.ID)
	require.ErrorIs(t, err, common.ErrKeyNotFound)

	restored, err := m.RestoreKeys(ctx, backups, backupKey)
	require.NoError(t, err)
	assert.Equal(t, []string{key.ID}, restored)

	got, err := m.KeyMaterial(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRestoreKeys_SkipsPresentKeys(t *testing.T) {
	m := newTestManager(t, nil, false)
	ctx := context.Background()
	backups := newBackupStore(t)
	backupKey := common.GenerateRandByteArray(32)

	key, err := m.GenerateKey(ctx)
	require.NoError(t, err)
	require.NoError(t, m.StoreKey(ctx, key))
	require.NoError(t, m.BackupKeys(ctx, backups, backupKey))

	restored, err := m.RestoreKeys(ctx, backups, backupKey)
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestRestoreKeys_WrongBackupKey(t *testing.T) {
	m := newTestManager(t, nil, false)
	ctx := context.Background()
	backups := newBackupStore(t)

	key, err := m.GenerateKey(ctx)
	require.NoError(t, err)
	require.NoError(t, m.StoreKey(ctx, key))
	require.NoError(t, m.BackupKeys(ctx, backups, common.GenerateRandByteArray(32)))
	require.NoError(t, m.WipeKey(ctx, key.ID))

	_, err = m.RestoreKeys(ctx, backups, common.GenerateRandByteArray(32))
	require.ErrorIs(t, err, common.ErrIntegrityFailure)
}

func TestBackupKeys_NoStore(t *testing.T) {
	m := newTestManager(t, nil, false)

	err := m.BackupKeys(context.Background(), nil, common.GenerateRandByteArray(32))
	require.ErrorIs(t, err, common.ErrKeyStore)
}
