// Package models defines the synchronizable entity types, encrypted field
// representation, key metadata, change log entries and audit events shared
// by the finance core components.
package models

import (
	"time"
)

// FieldValue is the tagged representation of one entity field. A value is
// either plaintext (Plain set) or AEAD ciphertext (Cipher/KeyID/Nonce set).
// The GCM authentication tag is carried inside Cipher, as produced by
// cipher.AEAD.Seal.
//
// Quarantined marks a field parked by the recovery service after repeated
// decryption failures; reads of such a field fail fast without touching the
// rest of the record.
type FieldValue struct {
	Plain []byte `msgpack:"p,omitempty" json:"plain,omitempty"`

	Cipher []byte `msgpack:"c,omitempty" json:"cipher,omitempty"`
	KeyID  string `msgpack:"k,omitempty" json:"keyId,omitempty"`
	Nonce  []byte `msgpack:"n,omitempty" json:"nonce,omitempty"`

	Quarantined bool `msgpack:"q,omitempty" json:"quarantined,omitempty"`
}

// Encrypted reports whether the value carries ciphertext.
func (f FieldValue) Encrypted() bool {
	return len(f.Cipher) > 0
}

// PlainValue constructs a plaintext field value.
func PlainValue(b []byte) FieldValue {
	return FieldValue{Plain: b}
}

// Entity is a synchronizable record: an account, a goal, a scenario or a
// balance-history envelope. Fields holds the per-field values; sensitive
// fields are stored in encrypted form (see fields.Manager).
//
// Invariants:
//   - UpdatedAt strictly increases on every local mutation (UTC).
//   - SyncedAt is set only by the sync manager after remote acknowledgment.
//   - DeletedAt is a soft-delete tombstone kept for conflict-free sync.
type Entity struct {
	ID        string                `msgpack:"id" json:"id"`
	Table     string                `msgpack:"table" json:"table"`
	OwnerID   string                `msgpack:"owner_id" json:"ownerId"`
	Fields    map[string]FieldValue `msgpack:"fields" json:"fields"`
	UpdatedAt time.Time             `msgpack:"updated_at" json:"updatedAt"`
	DeletedAt *time.Time            `msgpack:"deleted_at,omitempty" json:"deletedAt,omitempty"`
	SyncedAt  *time.Time            `msgpack:"synced_at,omitempty" json:"syncedAt,omitempty"`
}

// Deleted reports whether the entity carries a tombstone.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// Clone returns a deep copy; merge logic mutates copies, never the stored
// version.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Fields = make(map[string]FieldValue, len(e.Fields))
	for k, v := range e.Fields {
		v.Plain = append([]byte(nil), v.Plain...)
		v.Cipher = append([]byte(nil), v.Cipher...)
		v.Nonce = append([]byte(nil), v.Nonce...)
		c.Fields[k] = v
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	if e.SyncedAt != nil {
		t := *e.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}

// OperationContext identifies the actor and target of an encrypt, decrypt or
// audit call. It replaces any ambient "current user" state: every call that
// touches sensitive data receives one explicitly.
type OperationContext struct {
	UserID    string `json:"userId"`
	Table     string `json:"table"`
	RecordID  string `json:"recordId"`
	Operation string `json:"operation"`
}

// Conflict pairs a local and a remote version of the same entity whose
// updatedAt values disagree with the stored syncedAt baseline. Conflicts are
// transient: created during a pull, resolved immediately, never persisted
// beyond the cycle except in the audit log.
type Conflict struct {
	Table    string
	EntityID string
	Local    *Entity
	Remote   *Entity
	Baseline *time.Time // local SyncedAt at detection time
}
