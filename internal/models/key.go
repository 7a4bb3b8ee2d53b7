package models

import "time"

// KeyStatus tracks an encryption key through its lifecycle. Exactly one key
// is active at any time; retiring keys exist only while a rotation is in
// flight.
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusRetiring KeyStatus = "retiring"
	KeyStatusRetired  KeyStatus = "retired"
)

// EncryptionKey couples key metadata with its raw material. Material is
// never persisted in the clear outside the secure key store and is wiped
// once the key is retired and no field references it.
type EncryptionKey struct {
	ID        string    `json:"id"`
	Material  []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	Status    KeyStatus `json:"status"`
}
