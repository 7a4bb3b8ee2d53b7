package syncx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/fields"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/store"
)

type nopRecorder struct{}

func (nopRecorder) Record(ctx context.Context, e models.AuditEvent) {}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// reversingEncryptor stands in for the real encryption service: it reverses
// bytes, which is enough for the manager's decrypt-merge-reencrypt path.
type reversingEncryptor struct{}

func flip(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func (reversingEncryptor) Encrypt(ctx context.Context, opCtx models.OperationContext, plaintext []byte, keyID string) (models.FieldValue, error) {
	if keyID == "" {
		keyID = "key-test"
	}
	return models.FieldValue{Cipher: flip(plaintext), KeyID: keyID}, nil
}

func (reversingEncryptor) Decrypt(ctx context.Context, opCtx models.OperationContext, field models.FieldValue) ([]byte, error) {
	return flip(field.Cipher), nil
}

// fakeTransport records pushes and pulls; behavior is programmed per test.
type fakeTransport struct {
	pushErr error
	pullErr error
	reject  map[string]string // entry id -> rejection reason

	remote       []*models.Entity
	remoteOrigin string
	serverNow    time.Time

	mu     sync.Mutex
	pushes [][]models.ChangeLogEntry
	sinces []time.Time
}

func (f *fakeTransport) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinces)
}

func (f *fakeTransport) Push(ctx context.Context, entries []models.ChangeLogEntry) ([]PushResult, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, entries)
	f.mu.Unlock()
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	results := make([]PushResult, len(entries))
	for i, e := range entries {
		if reason, ok := f.reject[e.ID]; ok {
			results[i] = PushResult{EntryID: e.ID, Accepted: false, Reason: reason}
		} else {
			results[i] = PushResult{EntryID: e.ID, Accepted: true}
		}
	}
	return results, nil
}

func (f *fakeTransport) Pull(ctx context.Context, since time.Time) ([]*models.Entity, string, time.Time, error) {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()
	if f.pullErr != nil {
		return nil, "", time.Time{}, f.pullErr
	}
	origin := f.remoteOrigin
	if origin == "" {
		origin = "dev-remote"
	}
	now := f.serverNow
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return f.remote, origin, now, nil
}

func (f *fakeTransport) Ping(ctx context.Context) error { return nil }

func newTestSyncManager(t *testing.T, db *sql.DB, transport Transport) *Manager {
	t.Helper()
	fm := fields.NewManager(fields.DefaultClassification(), reversingEncryptor{})
	return NewManager(db, transport, NewResolver(DefaultAppendMergeFields()),
		fm, nopRecorder{}, testLogger(), NewCoordinator(), 50, "dev-local")
}

// seedChange writes an encrypted entity and enqueues its change entry, the
// way a local write does.
func seedChange(t *testing.T, db *sql.DB, entity *models.Entity) models.ChangeLogEntry {
	t.Helper()
	ctx := context.Background()
	fm := fields.NewManager(fields.DefaultClassification(), reversingEncryptor{})

	sealed, err := fm.EncryptRecord(ctx, models.OperationContext{Operation: "test_write"}, entity)
	require.NoError(t, err)
	require.NoError(t, store.NewSQLiteEntityRepository(db).Upsert(ctx, sealed))

	payload, err := models.EncodeEntity(sealed)
	require.NoError(t, err)
	entry := models.ChangeLogEntry{
		Op:       models.ChangeOpUpdate,
		Table:    sealed.Table,
		EntityID: sealed.ID,
		Payload:  payload,
	}
	require.NoError(t, NewSQLiteQueue(db).Enqueue(ctx, &entry))
	return entry
}

func plainEntity(id, table string, updated time.Time, fieldVals map[string]string) *models.Entity {
	e := &models.Entity{
		ID:        id,
		Table:     table,
		OwnerID:   "u1",
		Fields:    make(map[string]models.FieldValue, len(fieldVals)),
		UpdatedAt: updated,
	}
	for k, v := range fieldVals {
		e.Fields[k] = models.PlainValue([]byte(v))
	}
	return e
}

func TestRunCycle_PushAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{serverNow: serverNow}
	m := newTestSyncManager(t, db, transport)

	entity := plainEntity("acc-1", "accounts", serverNow.Add(-time.Hour), map[string]string{"name": "Checking"})
	entry := seedChange(t, db, entity)

	status, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pushed)
	assert.Equal(t, 1, status.Accepted)
	assert.Equal(t, 0, status.Rejected)
	assert.False(t, status.Retryable)

	require.Len(t, transport.pushes, 1)
	assert.Equal(t, entry.ID, transport.pushes[0][0].ID)

	// acknowledged entries leave the pending set
	batch, err := NewSQLiteQueue(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	// the entity carries the server acknowledgment time
	stored, err := store.NewSQLiteEntityRepository(db).GetByID(ctx, "accounts", "acc-1")
	require.NoError(t, err)
	require.NotNil(t, stored.SyncedAt)
	assert.True(t, stored.SyncedAt.Equal(serverNow))
}

func TestRunCycle_WatermarkAdvances(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{serverNow: serverNow}
	m := newTestSyncManager(t, db, transport)

	_, err := m.RunCycle(ctx)
	require.NoError(t, err)
	_, err = m.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, transport.sinces, 2)
	assert.True(t, transport.sinces[0].IsZero(), "first cycle pulls from the epoch")
	assert.True(t, transport.sinces[1].Equal(serverNow), "second cycle pulls from the last server time")
}

func TestRunCycle_TransportFailureRequeues(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	transport := &fakeTransport{pushErr: fmt.Errorf("%w: connection refused", common.ErrSyncTransport)}
	m := newTestSyncManager(t, db, transport)

	seedChange(t, db, plainEntity("acc-1", "accounts", time.Now().UTC(), map[string]string{"name": "Checking"}))

	status, err := m.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrSyncTransport))
	assert.True(t, status.Retryable)

	// nothing is lost: the entry is pending again for the next cycle
	batch, err := NewSQLiteQueue(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.ChangeStatusPending, batch[0].Status)
}

func TestRunCycle_PullFailureKeepsBatchQueued(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	transport := &fakeTransport{pullErr: fmt.Errorf("%w: timeout", common.ErrSyncTransport)}
	m := newTestSyncManager(t, db, transport)

	seedChange(t, db, plainEntity("acc-1", "accounts", time.Now().UTC(), map[string]string{"name": "Checking"}))

	status, err := m.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, status.Retryable)

	// pushed but unacknowledged; at-least-once means it will be replayed
	batch, err := NewSQLiteQueue(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
}

func TestRunCycle_RejectionMarksFailed(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	transport := &fakeTransport{}
	m := newTestSyncManager(t, db, transport)

	entry := seedChange(t, db, plainEntity("acc-1", "accounts", time.Now().UTC(), map[string]string{"name": "Checking"}))
	transport.reject = map[string]string{entry.ID: "schema violation"}

	status, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Rejected)
	assert.Equal(t, 0, status.Accepted)

	batch, err := NewSQLiteQueue(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.ChangeStatusFailed, batch[0].Status)
	assert.Equal(t, "schema violation", batch[0].LastError)
}

func TestRunCycle_PullAppliesRemoteEntity(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := plainEntity("acc-9", "accounts", serverNow.Add(-time.Minute), map[string]string{"name": "Savings"})
	transport := &fakeTransport{serverNow: serverNow, remote: []*models.Entity{remote}}
	m := newTestSyncManager(t, db, transport)

	status, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pulled)
	assert.Equal(t, 0, status.Conflicts)

	stored, err := store.NewSQLiteEntityRepository(db).GetByID(ctx, "accounts", "acc-9")
	require.NoError(t, err)
	assert.Equal(t, []byte("Savings"), stored.Fields["name"].Plain)
	require.NotNil(t, stored.SyncedAt)
	assert.True(t, stored.SyncedAt.Equal(serverNow))
}

func TestRunCycle_ConflictMergedAndRequeued(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Local edit is newer and carries a note the server has not seen.
	local := plainEntity("acc-1", "accounts", serverNow.Add(-time.Minute), map[string]string{
		"name":              "Renamed locally",
		"institution_notes": "ask for Maria",
	})
	seedChange(t, db, local)

	remote := plainEntity("acc-1", "accounts", serverNow.Add(-time.Hour), map[string]string{
		"name": "Old name",
	})
	transport := &fakeTransport{serverNow: serverNow, remote: []*models.Entity{remote}}
	m := newTestSyncManager(t, db, transport)

	status, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Conflicts)

	stored, err := store.NewSQLiteEntityRepository(db).GetByID(ctx, "accounts", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("Renamed locally"), stored.Fields["name"].Plain)
	// the sensitive field is re-encrypted, never stored plain
	assert.True(t, stored.Fields["institution_notes"].Encrypted())

	// the merge diverged from the server's version, so a follow-up change is
	// queued to push it back
	batch, err := NewSQLiteQueue(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "acc-1", batch[0].EntityID)
	assert.Equal(t, models.ChangeOpUpdate, batch[0].Op)
}

func TestRunCycle_MergeFailureRequeuesPushedBatch(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	local := plainEntity("acc-1", "accounts", serverNow.Add(-time.Minute), map[string]string{
		"name":            "Checking",
		"balance_history": `[{"id":"ev-1","at":"2026-03-01T10:00:00Z","delta":500}]`,
	})
	entry := seedChange(t, db, local)

	// The remote side carries an unparseable history, so the merge fails
	// after the push already succeeded.
	remote := plainEntity("acc-1", "accounts", serverNow.Add(-time.Hour), map[string]string{
		"name":            "Old name",
		"balance_history": "not json",
	})
	transport := &fakeTransport{serverNow: serverNow, remote: []*models.Entity{remote}}
	m := newTestSyncManager(t, db, transport)

	_, err := m.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrSyncConflictUnresolvable))

	// The pushed entry is pending again, not stranded in-flight.
	batch, err := NewSQLiteQueue(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, entry.ID, batch[0].ID)
	assert.Equal(t, models.ChangeStatusPending, batch[0].Status)

	// Once the remote side is healthy the entry is delivered on the next
	// cycle.
	transport.mu.Lock()
	transport.remote = nil
	transport.mu.Unlock()

	_, err = m.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, transport.pushes, 2)
	assert.Equal(t, entry.ID, transport.pushes[1][0].ID)

	batch, err = NewSQLiteQueue(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

// cancellingTransport cancels the cycle's context during the pull, so the
// cycle aborts at the first entity boundary after a successful push.
type cancellingTransport struct {
	*fakeTransport
	cancel context.CancelFunc
}

func (c *cancellingTransport) Pull(ctx context.Context, since time.Time) ([]*models.Entity, string, time.Time, error) {
	c.cancel()
	return c.fakeTransport.Pull(ctx, since)
}

func TestRunCycle_CancellationAtEntityBoundaryRequeues(t *testing.T) {
	db := setupDB(t)
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entry := seedChange(t, db, plainEntity("acc-1", "accounts", serverNow.Add(-time.Minute),
		map[string]string{"name": "Checking"}))

	remote := plainEntity("acc-9", "accounts", serverNow.Add(-time.Minute), map[string]string{"name": "Savings"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := &cancellingTransport{
		fakeTransport: &fakeTransport{serverNow: serverNow, remote: []*models.Entity{remote}},
		cancel:        cancel,
	}
	m := newTestSyncManager(t, db, transport)

	_, err := m.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The pushed batch must not stay in-flight past the abort.
	batch, err := NewSQLiteQueue(db).NextBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, entry.ID, batch[0].ID)
	assert.Equal(t, models.ChangeStatusPending, batch[0].Status)
}

func TestRunCycleIfIdle_SkipsWhenSlotHeld(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	transport := &fakeTransport{}
	coord := NewCoordinator()
	fm := fields.NewManager(fields.DefaultClassification(), reversingEncryptor{})
	m := NewManager(db, transport, NewResolver(DefaultAppendMergeFields()),
		fm, nopRecorder{}, testLogger(), coord, 50, "dev-local")

	release, err := coord.Acquire(ctx)
	require.NoError(t, err)

	_, ran, err := m.RunCycleIfIdle(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 0, transport.pullCount())

	release()
	_, ran, err = m.RunCycleIfIdle(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, transport.pullCount())
}

func TestRunCycle_RemoteWinsWithoutLocalPending(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Local copy exists but has no unacknowledged change: the pulled version
	// replaces it without a conflict.
	old := plainEntity("acc-1", "accounts", serverNow.Add(-2*time.Hour), map[string]string{"name": "Stale"})
	require.NoError(t, store.NewSQLiteEntityRepository(db).Upsert(ctx, old))

	remote := plainEntity("acc-1", "accounts", serverNow.Add(-time.Minute), map[string]string{"name": "Fresh"})
	transport := &fakeTransport{serverNow: serverNow, remote: []*models.Entity{remote}}
	m := newTestSyncManager(t, db, transport)

	status, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Conflicts)

	stored, err := store.NewSQLiteEntityRepository(db).GetByID(ctx, "accounts", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("Fresh"), stored.Fields["name"].Plain)
}

func TestRunCycle_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := plainEntity("acc-9", "accounts", serverNow.Add(-time.Minute), map[string]string{"name": "Savings"})
	transport := &fakeTransport{serverNow: serverNow, remote: []*models.Entity{remote}}
	m := newTestSyncManager(t, db, transport)

	_, err := m.RunCycle(ctx)
	require.NoError(t, err)
	// the server replays the same entity; applying it again changes nothing
	_, err = m.RunCycle(ctx)
	require.NoError(t, err)

	all, err := store.NewSQLiteEntityRepository(db).GetAll(ctx, "accounts")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []byte("Savings"), all[0].Fields["name"].Plain)
}
