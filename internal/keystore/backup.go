package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/persist"
)

const backupName = "keys.backup"

// backupPayload is the plaintext structure sealed into a backup blob.
type backupPayload struct {
	CreatedAt time.Time         `json:"createdAt"`
	Keys      map[string][]byte `json:"keys"` // key id -> raw material
}

// BackupKeys seals the material of every known key under backupKey and saves
// the blob to the backup store. backupKey must be derived from the
// passphrase with a dedicated HKDF context, never the storage key itself.
func (m *Manager) BackupKeys(ctx context.Context, store persist.Store, backupKey []byte) error {
	if store == nil {
		return fmt.Errorf("%w: no backup store configured", common.ErrKeyStore)
	}

	keys, err := m.repo.List(ctx)
	if err != nil {
		return err
	}

	payload := backupPayload{CreatedAt: time.Now().UTC(), Keys: make(map[string][]byte, len(keys))}
	for _, k := range keys {
		if !m.store.Exists(k.ID) {
			continue // wiped keys have no material to back up
		}
		material, err := m.KeyMaterial(ctx, k.ID)
		if err != nil {
			return err
		}
		payload.Keys[k.ID] = material
	}
	defer func() {
		for _, b := range payload.Keys {
			common.WipeByteArray(b)
		}
	}()

	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}
	defer common.WipeByteArray(plain)

	sealed, err := seal(backupKey, plain)
	if err != nil {
		return err
	}

	if err := store.Save(ctx, backupName, sealed); err != nil {
		return fmt.Errorf("%w: save backup: %v", common.ErrKeyStore, err)
	}

	m.auditor.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryKeyAccess,
		Severity: models.AuditSeverityInfo,
		Action:   "backup_keys",
		Success:  true,
		Details:  map[string]any{"keys": len(payload.Keys)},
	})
	return nil
}

// RestoreKeys loads the backup blob, unseals it and re-stores every key
// whose material is missing locally. Returns the ids restored.
func (m *Manager) RestoreKeys(ctx context.Context, store persist.Store, backupKey []byte) ([]string, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: no backup store configured", common.ErrKeyStore)
	}

	sealed, err := store.Load(ctx, backupName)
	if err != nil {
		return nil, fmt.Errorf("%w: load backup: %v", common.ErrKeyStore, err)
	}

	plain, err := unseal(backupKey, sealed)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plain)

	var payload backupPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal backup: %w", err)
	}

	var restored []string
	for id, material := range payload.Keys {
		if m.store.Exists(id) {
			common.WipeByteArray(material)
			continue
		}
		if err := m.store.Store(id, material); err != nil {
			return restored, err
		}
		common.WipeByteArray(material)
		restored = append(restored, id)
	}

	m.auditor.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryRecovery,
		Severity: models.AuditSeverityInfo,
		Action:   "restore_keys",
		Success:  true,
		Details:  map[string]any{"restored": len(restored)},
	})
	return restored, nil
}

func seal(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}
	nonce := common.GenerateRandByteArray(aead.NonceSize())
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func unseal(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: backup truncated", common.ErrIntegrityFailure)
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIntegrityFailure, err)
	}
	return plain, nil
}
