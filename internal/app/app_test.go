package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/audit"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/config"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/recovery"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/syncx"
)

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (string, error)   { return "test-token", nil }
func (staticTokens) Refresh(ctx context.Context) (string, error) { return "test-token", nil }

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DatabaseDSN = "file:" + filepath.Join(dir, "finance.db")
	cfg.KeyStoreDir = filepath.Join(dir, "keystore")
	// the server endpoint is never reached in these tests
	cfg.ServerEndpointAddr = "http://127.0.0.1:0"
	return cfg
}

func newUnlockedApp(t *testing.T, dir, passphrase string) *App {
	t.Helper()
	ctx := context.Background()
	a, err := NewApp(ctx, testConfig(t, dir), testLogger(), staticTokens{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Unlock(ctx, []byte(passphrase)))
	return a
}

func TestUnlock_WrongPassphraseRejected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := newUnlockedApp(t, dir, "correct horse")
	require.NoError(t, a.Close())

	b, err := NewApp(ctx, testConfig(t, dir), testLogger(), staticTokens{}, nil)
	require.NoError(t, err)
	defer b.Close()

	err = b.Unlock(ctx, []byte("battery staple"))
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	// locked apps refuse entity access
	_, err = b.ReadEntity(ctx, "u1", "accounts", "any")
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestUnlock_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := newUnlockedApp(t, dir, "correct horse")
	written, err := a.WriteEntity(ctx, "u1", "accounts", "", map[string][]byte{
		"name":           []byte("Checking"),
		"account_number": []byte("12345678"),
	})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := NewApp(ctx, testConfig(t, dir), testLogger(), staticTokens{}, nil)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Unlock(ctx, []byte("correct horse")))

	got, err := b.ReadEntity(ctx, "u1", "accounts", written.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), got.Fields["account_number"].Plain)
}

func TestWriteEntity_EncryptsSensitiveFields(t *testing.T) {
	ctx := context.Background()
	a := newUnlockedApp(t, t.TempDir(), "pw")

	written, err := a.WriteEntity(ctx, "u1", "accounts", "", map[string][]byte{
		"name":           []byte("Checking"),
		"account_number": []byte("12345678"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, written.ID)

	// the returned entity is the stored form: sensitive fields sealed
	assert.True(t, written.Fields["account_number"].Encrypted())
	assert.False(t, written.Fields["name"].Encrypted())

	got, err := a.ReadEntity(ctx, "u1", "accounts", written.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), got.Fields["account_number"].Plain)
	assert.Equal(t, []byte("Checking"), got.Fields["name"].Plain)
}

func TestWriteEntity_NoMutationsRejected(t *testing.T) {
	ctx := context.Background()
	a := newUnlockedApp(t, t.TempDir(), "pw")

	_, err := a.WriteEntity(ctx, "u1", "accounts", "", nil)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestWriteEntity_UpdatedAtStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	a := newUnlockedApp(t, t.TempDir(), "pw")

	first, err := a.WriteEntity(ctx, "u1", "goals", "", map[string][]byte{"name": []byte("House")})
	require.NoError(t, err)
	second, err := a.WriteEntity(ctx, "u1", "goals", first.ID, map[string][]byte{"name": []byte("Bigger house")})
	require.NoError(t, err)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()
	a := newUnlockedApp(t, t.TempDir(), "pw")

	written, err := a.WriteEntity(ctx, "u1", "accounts", "", map[string][]byte{"name": []byte("Checking")})
	require.NoError(t, err)

	require.NoError(t, a.DeleteEntity(ctx, "u1", "accounts", written.ID))

	_, err = a.ReadEntity(ctx, "u1", "accounts", written.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	// deleting twice reports not found
	err = a.DeleteEntity(ctx, "u1", "accounts", written.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	// mutating a tombstone is refused
	_, err = a.WriteEntity(ctx, "u1", "accounts", written.ID, map[string][]byte{"name": []byte("Zombie")})
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestListEntities_SkipsTombstones(t *testing.T) {
	ctx := context.Background()
	a := newUnlockedApp(t, t.TempDir(), "pw")

	kept, err := a.WriteEntity(ctx, "u1", "accounts", "", map[string][]byte{"name": []byte("Keep")})
	require.NoError(t, err)
	gone, err := a.WriteEntity(ctx, "u1", "accounts", "", map[string][]byte{"name": []byte("Drop")})
	require.NoError(t, err)
	require.NoError(t, a.DeleteEntity(ctx, "u1", "accounts", gone.ID))

	list, err := a.ListEntities(ctx, "u1", "accounts")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, kept.ID, list[0].ID)
}

func TestRequestKeyRotation_PreservesData(t *testing.T) {
	ctx := context.Background()
	a := newUnlockedApp(t, t.TempDir(), "pw")

	written, err := a.WriteEntity(ctx, "u1", "accounts", "", map[string][]byte{
		"account_number": []byte("12345678"),
	})
	require.NoError(t, err)

	result, err := a.RequestKeyRotation(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, result.OldKeyID)
	assert.NotEmpty(t, result.NewKeyID)

	got, err := a.ReadEntity(ctx, "u1", "accounts", written.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), got.Fields["account_number"].Plain)
}

func TestRecoveryPlanAndClassify(t *testing.T) {
	a := newUnlockedApp(t, t.TempDir(), "pw")

	plan, err := a.RecoveryPlan(recovery.ScenarioKeyLoss)
	require.NoError(t, err)
	assert.True(t, plan.Irreversible)

	assert.Equal(t, recovery.ScenarioKeyLoss, a.ClassifyFailure(common.ErrKeyNotFound))
	assert.Equal(t, recovery.Scenario(""), a.ClassifyFailure(nil))
}

func TestAuditEvents_RecordUnlockActivity(t *testing.T) {
	ctx := context.Background()
	a := newUnlockedApp(t, t.TempDir(), "pw")

	_, err := a.WriteEntity(ctx, "u1", "accounts", "", map[string][]byte{
		"account_number": []byte("12345678"),
	})
	require.NoError(t, err)

	events, err := a.AuditEvents(ctx, audit.Query{Category: models.AuditCategoryKeyAccess, Limit: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, events, "key bootstrap and field encryption leave an audit trail")
}

func TestMode_StartsOffline(t *testing.T) {
	a := newUnlockedApp(t, t.TempDir(), "pw")
	assert.Equal(t, ModeOffline, a.Mode())
}

func TestUnlock_RecoversStrandedInFlightChanges(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := newUnlockedApp(t, dir, "correct horse")
	written, err := a.WriteEntity(ctx, "u1", "accounts", "", map[string][]byte{
		"name": []byte("Checking"),
	})
	require.NoError(t, err)

	// Simulate a crash mid-cycle: the pushed batch stays in-flight.
	queue := syncx.NewSQLiteQueue(a.db)
	batch, err := queue.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, queue.MarkInFlight(ctx, []string{batch[0].ID}))
	require.NoError(t, a.Close())

	b, err := NewApp(ctx, testConfig(t, dir), testLogger(), staticTokens{}, nil)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Unlock(ctx, []byte("correct horse")))

	// The stranded entry is pending again and will be pushed on the next
	// cycle.
	recovered, err := syncx.NewSQLiteQueue(b.db).NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, written.ID, recovered[0].EntityID)
	assert.Equal(t, models.ChangeStatusPending, recovered[0].Status)
}
