package models

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeEntity serializes an entity for local storage and change log
// payloads. Msgpack keeps ciphertext bytes compact and round-trips []byte
// without base64 overhead.
func EncodeEntity(e *Entity) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entity %s/%s: %w", e.Table, e.ID, err)
	}
	return b, nil
}

// DecodeEntity is the inverse of EncodeEntity.
func DecodeEntity(b []byte) (*Entity, error) {
	var e Entity
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &e, nil
}
