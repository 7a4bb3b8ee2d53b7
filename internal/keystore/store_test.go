package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
)

func newFileStore(t *testing.T) *FileSecureStore {
	t.Helper()
	s, err := NewFileSecureStore(filepath.Join(t.TempDir(), "keys"), common.GenerateRandByteArray(32))
	require.NoError(t, err)
	return s
}

func TestFileSecureStore_RoundTrip(t *testing.T) {
	s := newFileStore(t)

	material := common.GenerateRandByteArray(32)
	want := append([]byte(nil), material...)
	require.NoError(t, s.Store("key-1", material))

	got, err := s.Retrieve("key-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, s.Exists("key-1"))
}

func TestFileSecureStore_FilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	s, err := NewFileSecureStore(dir, common.GenerateRandByteArray(32))
	require.NoError(t, err)
	require.NoError(t, s.Store("key-1", common.GenerateRandByteArray(32)))

	info, err := os.Stat(filepath.Join(dir, "key-1.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileSecureStore_MaterialNotInClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	s, err := NewFileSecureStore(dir, common.GenerateRandByteArray(32))
	require.NoError(t, err)

	material := common.GenerateRandByteArray(32)
	want := append([]byte(nil), material...)
	require.NoError(t, s.Store("key-1", material))

	raw, err := os.ReadFile(filepath.Join(dir, "key-1.key"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(want))
}

func TestFileSecureStore_MissingKey(t *testing.T) {
	s := newFileStore(t)

	_, err := s.Retrieve("absent")
	require.ErrorIs(t, err, common.ErrKeyNotFound)
	assert.False(t, s.Exists("absent"))
}

func TestFileSecureStore_TamperedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	s, err := NewFileSecureStore(dir, common.GenerateRandByteArray(32))
	require.NoError(t, err)
	require.NoError(t, s.Store("key-1", common.GenerateRandByteArray(32)))

	p := filepath.Join(dir, "key-1.key")
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(p, raw, 0o600))

	_, err = s.Retrieve("key-1")
	require.ErrorIs(t, err, common.ErrIntegrityFailure)
}

func TestFileSecureStore_WrongStorageKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	s1, err := NewFileSecureStore(dir, common.GenerateRandByteArray(32))
	require.NoError(t, err)
	require.NoError(t, s1.Store("key-1", common.GenerateRandByteArray(32)))

	s2, err := NewFileSecureStore(dir, common.GenerateRandByteArray(32))
	require.NoError(t, err)

	_, err = s2.Retrieve("key-1")
	require.ErrorIs(t, err, common.ErrIntegrityFailure)
}

func TestFileSecureStore_DeleteIsIdempotent(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, s.Store("key-1", common.GenerateRandByteArray(32)))

	require.NoError(t, s.Delete("key-1"))
	require.NoError(t, s.Delete("key-1"))
	assert.False(t, s.Exists("key-1"))
}

func TestFileSecureStore_RejectsPathTraversal(t *testing.T) {
	s := newFileStore(t)

	err := s.Store("../evil", common.GenerateRandByteArray(32))
	require.ErrorIs(t, err, common.ErrKeyStore)
}
