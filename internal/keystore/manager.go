package keystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/audit"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

// Manager owns key generation, storage and retrieval. Material is cached in
// memguard enclaves after the first retrieval; every access is audited with
// outcome and duration.
type Manager struct {
	repo        MetadataRepository
	store       SecureStore
	auth        Authenticator
	auditor     audit.Recorder
	log         logging.Logger
	requireAuth bool

	mu       sync.Mutex
	enclaves map[string]*memguard.Enclave
}

// NewManager constructs a key manager. auth may be nil when local
// authentication is not required.
func NewManager(repo MetadataRepository, store SecureStore, auth Authenticator, auditor audit.Recorder, log logging.Logger, requireAuth bool) *Manager {
	return &Manager{
		repo:        repo,
		store:       store,
		auth:        auth,
		auditor:     auditor,
		log:         log,
		requireAuth: requireAuth,
		enclaves:    make(map[string]*memguard.Enclave),
	}
}

// GenerateKey creates a new 256-bit key from the system CSPRNG. The key is
// not persisted or activated until StoreKey is called.
func (m *Manager) GenerateKey(ctx context.Context) (*models.EncryptionKey, error) {
	start := time.Now()

	material := common.GenerateRandByteArray(32)
	key := &models.EncryptionKey{
		ID:        uuid.NewString(),
		Material:  material,
		CreatedAt: time.Now().UTC(),
		Status:    models.KeyStatusActive,
	}

	m.audit(ctx, "generate_key", key.ID, true, start, nil)
	return key, nil
}

// StoreKey persists key metadata and seals the material into the secure
// store. The caller's Material slice is wiped on success; an enclave copy
// remains available for this process.
func (m *Manager) StoreKey(ctx context.Context, key *models.EncryptionKey) error {
	start := time.Now()

	if err := m.confirmAccess(ctx, "store encryption key"); err != nil {
		m.audit(ctx, "store_key", key.ID, false, start, err)
		return err
	}

	if len(key.Material) != 32 {
		err := fmt.Errorf("%w: key material must be 32 bytes", common.ErrValidation)
		m.audit(ctx, "store_key", key.ID, false, start, err)
		return err
	}

	if err := m.store.Store(key.ID, key.Material); err != nil {
		m.audit(ctx, "store_key", key.ID, false, start, err)
		return err
	}
	if err := m.repo.Insert(ctx, key); err != nil {
		m.audit(ctx, "store_key", key.ID, false, start, err)
		return fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}

	m.mu.Lock()
	// NewEnclave wipes the source slice.
	m.enclaves[key.ID] = memguard.NewEnclave(key.Material)
	m.mu.Unlock()
	key.Material = nil

	m.audit(ctx, "store_key", key.ID, true, start, nil)
	return nil
}

// ActiveKeyID returns the id of the single active key.
func (m *Manager) ActiveKeyID(ctx context.Context) (string, error) {
	key, err := m.repo.ActiveKey(ctx)
	if err != nil {
		return "", err
	}
	return key.ID, nil
}

// KeyMaterial returns a copy of the raw material for keyID. The caller must
// wipe the returned slice after use. A key that was never stored, or whose
// material was wiped after retirement, yields common.ErrKeyNotFound — the
// trigger condition for the recovery service.
func (m *Manager) KeyMaterial(ctx context.Context, keyID string) ([]byte, error) {
	start := time.Now()

	if err := m.confirmAccess(ctx, "read encryption key"); err != nil {
		m.audit(ctx, "get_key", keyID, false, start, err)
		return nil, err
	}

	m.mu.Lock()
	enclave, ok := m.enclaves[keyID]
	m.mu.Unlock()

	if !ok {
		material, err := m.store.Retrieve(keyID)
		if err != nil {
			m.audit(ctx, "get_key", keyID, false, start, err)
			return nil, err
		}
		enclave = memguard.NewEnclave(material)
		m.mu.Lock()
		m.enclaves[keyID] = enclave
		m.mu.Unlock()
	}

	buf, err := enclave.Open()
	if err != nil {
		m.audit(ctx, "get_key", keyID, false, start, err)
		return nil, fmt.Errorf("%w: open enclave: %v", common.ErrKeyStore, err)
	}
	material := append([]byte(nil), buf.Bytes()...)
	buf.Destroy()

	// Open consumes the enclave's locked buffer; reseal for the next access.
	resealed := memguard.NewEnclave(append([]byte(nil), material...))
	m.mu.Lock()
	m.enclaves[keyID] = resealed
	m.mu.Unlock()

	m.audit(ctx, "get_key", keyID, true, start, nil)
	return material, nil
}

// MarkRetiring flags the key as retiring during rotation. Reads remain
// possible until the key is retired and wiped.
func (m *Manager) MarkRetiring(ctx context.Context, keyID string) error {
	return m.transition(ctx, keyID, models.KeyStatusRetiring, "mark_retiring")
}

// MarkActive promotes a key to active status.
func (m *Manager) MarkActive(ctx context.Context, keyID string) error {
	return m.transition(ctx, keyID, models.KeyStatusActive, "mark_active")
}

// RetireKey marks the key retired. Material stays readable until WipeKey.
func (m *Manager) RetireKey(ctx context.Context, keyID string) error {
	return m.transition(ctx, keyID, models.KeyStatusRetired, "retire_key")
}

func (m *Manager) transition(ctx context.Context, keyID string, status models.KeyStatus, action string) error {
	start := time.Now()
	err := m.repo.UpdateStatus(ctx, keyID, status)
	m.audit(ctx, action, keyID, err == nil, start, err)
	return err
}

// WipeKey destroys the stored material and the in-memory enclave. Metadata
// is kept (status retired) so dangling ciphertext references remain
// diagnosable. Callers must verify no field still references the key.
func (m *Manager) WipeKey(ctx context.Context, keyID string) error {
	start := time.Now()

	if err := m.store.Delete(keyID); err != nil {
		m.audit(ctx, "wipe_key", keyID, false, start, err)
		return err
	}
	m.mu.Lock()
	delete(m.enclaves, keyID)
	m.mu.Unlock()

	m.audit(ctx, "wipe_key", keyID, true, start, nil)
	return nil
}

// ListKeys returns metadata for all known keys.
func (m *Manager) ListKeys(ctx context.Context) ([]models.EncryptionKey, error) {
	return m.repo.List(ctx)
}

func (m *Manager) confirmAccess(ctx context.Context, reason string) error {
	if !m.requireAuth {
		return nil
	}
	if m.auth == nil {
		return common.ErrLocalAuthRequired
	}
	if err := m.auth.Confirm(ctx, reason); err != nil {
		return fmt.Errorf("%w: %v", common.ErrLocalAuthRequired, err)
	}
	return nil
}

func (m *Manager) audit(ctx context.Context, action, keyID string, success bool, start time.Time, err error) {
	event := models.AuditEvent{
		Category:   models.AuditCategoryKeyAccess,
		Severity:   models.AuditSeverityInfo,
		Action:     action,
		Success:    success,
		Details:    map[string]any{"key_id": keyID},
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		event.Severity = models.AuditSeverityWarning
		event.Error = err.Error()
	}
	m.auditor.Record(ctx, event)
}
