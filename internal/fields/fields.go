// Package fields implements the encrypted-field manager: the single choke
// point through which every sensitive entity value flows. It owns the static
// classification of which fields are sensitive per table, so the rotation
// and sync paths cannot disagree about what must be encrypted.
package fields

import (
	"context"
	"fmt"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

// Classification maps entity table -> set of sensitive field names.
type Classification map[string]map[string]struct{}

// DefaultClassification enumerates the sensitive fields per entity table.
// History-like fields (balance_history) are never classified sensitive as a
// whole list; only their entry notes are, and those live inside the entries.
func DefaultClassification() Classification {
	return Classification{
		"accounts":  set("account_number", "routing_number", "institution_notes", "tax_id"),
		"goals":     set("notes"),
		"scenarios": set("notes", "assumptions"),
	}
}

func set(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// Encryptor is the subset of the encryption service the manager drives.
type Encryptor interface {
	Encrypt(ctx context.Context, opCtx models.OperationContext, plaintext []byte, keyID string) (models.FieldValue, error)
	Decrypt(ctx context.Context, opCtx models.OperationContext, field models.FieldValue) ([]byte, error)
}

// Manager classifies fields and drives the encryption service per field.
type Manager struct {
	classification Classification
	enc            Encryptor
}

// NewManager constructs the manager. Pass DefaultClassification() unless a
// test needs a custom table.
func NewManager(classification Classification, enc Encryptor) *Manager {
	return &Manager{classification: classification, enc: enc}
}

// Sensitive reports whether table.field is classified sensitive.
func (m *Manager) Sensitive(table, field string) bool {
	fields, ok := m.classification[table]
	if !ok {
		return false
	}
	_, ok = fields[field]
	return ok
}

// EncryptField encrypts value when table.field is sensitive; otherwise the
// value passes through untouched.
func (m *Manager) EncryptField(ctx context.Context, opCtx models.OperationContext, table, field string, value models.FieldValue) (models.FieldValue, error) {
	if !m.Sensitive(table, field) {
		return value, nil
	}
	if value.Encrypted() {
		return value, nil // already ciphertext, nothing to do
	}
	encrypted, err := m.enc.Encrypt(ctx, opCtx, value.Plain, "")
	if err != nil {
		return models.FieldValue{}, fmt.Errorf("encrypt %s.%s: %w", table, field, err)
	}
	return encrypted, nil
}

// DecryptField returns the plaintext for table.field. Non-sensitive or
// already-plain values pass through.
func (m *Manager) DecryptField(ctx context.Context, opCtx models.OperationContext, table, field string, value models.FieldValue) ([]byte, error) {
	if value.Quarantined {
		return nil, common.ErrFieldQuarantined
	}
	if !value.Encrypted() {
		return value.Plain, nil
	}
	plain, err := m.enc.Decrypt(ctx, opCtx, value)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s.%s: %w", table, field, err)
	}
	return plain, nil
}

// EncryptRecord returns a copy of the entity with every sensitive field
// encrypted under the active key. Non-sensitive fields are untouched.
func (m *Manager) EncryptRecord(ctx context.Context, opCtx models.OperationContext, entity *models.Entity) (*models.Entity, error) {
	out := entity.Clone()
	for name, value := range out.Fields {
		encrypted, err := m.EncryptField(ctx, opCtx, out.Table, name, value)
		if err != nil {
			return nil, err
		}
		out.Fields[name] = encrypted
	}
	return out, nil
}

// DecryptRecord returns a copy of the entity with every encrypted field
// decrypted to its plain form. Quarantined fields are left as-is rather than
// failing the whole record.
func (m *Manager) DecryptRecord(ctx context.Context, opCtx models.OperationContext, entity *models.Entity) (*models.Entity, error) {
	out := entity.Clone()
	for name, value := range out.Fields {
		if value.Quarantined || !value.Encrypted() {
			continue
		}
		plain, err := m.enc.Decrypt(ctx, opCtx, value)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s.%s: %w", out.Table, name, err)
		}
		out.Fields[name] = models.PlainValue(plain)
	}
	return out, nil
}

// ReencryptRecord decrypts every encrypted field (under whatever key it
// references) and re-encrypts it under newKeyID. Used by key rotation.
func (m *Manager) ReencryptRecord(ctx context.Context, opCtx models.OperationContext, entity *models.Entity, newKeyID string) (*models.Entity, error) {
	out := entity.Clone()
	for name, value := range out.Fields {
		if !value.Encrypted() || value.Quarantined {
			continue
		}
		if value.KeyID == newKeyID {
			continue
		}
		plain, err := m.enc.Decrypt(ctx, opCtx, value)
		if err != nil {
			return nil, fmt.Errorf("reencrypt %s.%s: %w", out.Table, name, err)
		}
		encrypted, err := m.enc.Encrypt(ctx, opCtx, plain, newKeyID)
		common.WipeByteArray(plain)
		if err != nil {
			return nil, fmt.Errorf("reencrypt %s.%s: %w", out.Table, name, err)
		}
		out.Fields[name] = encrypted
	}
	return out, nil
}

// ReferencesKey reports whether any field of the entity still carries
// ciphertext under keyID. The rotation verification pass uses this before
// wiping retired key material.
func (m *Manager) ReferencesKey(entity *models.Entity, keyID string) bool {
	for _, value := range entity.Fields {
		if value.Encrypted() && value.KeyID == keyID {
			return true
		}
	}
	return false
}

// ReferencesKeyOtherThan reports whether any readable field carries
// ciphertext under a key other than keyID. Quarantined fields are excluded:
// their ciphertext is unreachable until recovery lifts them, so they never
// hold a rotation open.
func (m *Manager) ReferencesKeyOtherThan(entity *models.Entity, keyID string) bool {
	for _, value := range entity.Fields {
		if value.Encrypted() && !value.Quarantined && value.KeyID != keyID {
			return true
		}
	}
	return false
}

// CountKeyReferences adds the entity's readable ciphertext fields to counts,
// keyed by the key id each references.
func (m *Manager) CountKeyReferences(entity *models.Entity, counts map[string]int) {
	for _, value := range entity.Fields {
		if value.Encrypted() && !value.Quarantined {
			counts[value.KeyID]++
		}
	}
}
