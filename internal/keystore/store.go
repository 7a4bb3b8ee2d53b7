// Package keystore implements key generation, storage and lifecycle
// management. Key material lives in memguard enclaves while in memory and is
// sealed under an unlock-derived storage key before touching disk, modelling
// the platform secure credential store.
package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
)

// SecureStore persists key material at rest. Implementations must never
// write material in the clear.
type SecureStore interface {
	Store(keyID string, material []byte) error
	Retrieve(keyID string) ([]byte, error)
	Delete(keyID string) error
	Exists(keyID string) bool
}

// FileSecureStore seals key material with AES-GCM under a storage key and
// writes one file per key with 0600 permissions.
type FileSecureStore struct {
	dir  string
	aead cipher.AEAD
}

// NewFileSecureStore opens (creating if needed) the keystore directory.
// storeKey is the 256-bit storage key, typically derived from the unlock
// passphrase via an HKDF subkey.
func NewFileSecureStore(dir string, storeKey []byte) (*FileSecureStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", common.ErrKeyStore, dir, err)
	}
	block, err := aes.NewCipher(storeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyStore, err)
	}
	return &FileSecureStore{dir: dir, aead: aead}, nil
}

func (s *FileSecureStore) path(keyID string) (string, error) {
	if keyID == "" || strings.ContainsAny(keyID, `/\`) {
		return "", fmt.Errorf("%w: invalid key id %q", common.ErrKeyStore, keyID)
	}
	return filepath.Join(s.dir, keyID+".key"), nil
}

// Store seals material and writes it atomically.
func (s *FileSecureStore) Store(keyID string, material []byte) error {
	p, err := s.path(keyID)
	if err != nil {
		return err
	}
	nonce := common.GenerateRandByteArray(s.aead.NonceSize())
	sealed := s.aead.Seal(nonce, nonce, material, []byte(keyID))

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("%w: write: %v", common.ErrKeyStore, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename: %v", common.ErrKeyStore, err)
	}
	return nil
}

// Retrieve unseals and returns the key material. A missing file yields
// common.ErrKeyNotFound; a tampered file yields common.ErrIntegrityFailure.
func (s *FileSecureStore) Retrieve(keyID string) ([]byte, error) {
	p, err := s.path(keyID)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", common.ErrKeyNotFound, keyID)
		}
		return nil, fmt.Errorf("%w: read: %v", common.ErrKeyStore, err)
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: key file truncated", common.ErrIntegrityFailure)
	}
	nonce, box := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	material, err := s.aead.Open(nil, nonce, box, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIntegrityFailure, err)
	}
	return material, nil
}

// Delete removes the stored key material. Deleting an absent key is a noop.
func (s *FileSecureStore) Delete(keyID string) error {
	p, err := s.path(keyID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove: %v", common.ErrKeyStore, err)
	}
	return nil
}

// Exists reports whether material for keyID is present.
func (s *FileSecureStore) Exists(keyID string) bool {
	p, err := s.path(keyID)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Authenticator gates key-store access behind a local authentication factor
// (biometric or passcode on device). Confirm returns nil when the user is
// verified.
type Authenticator interface {
	Confirm(ctx context.Context, reason string) error
}

// AuthFunc adapts a function to the Authenticator interface.
type AuthFunc func(ctx context.Context, reason string) error

// Confirm calls f.
func (f AuthFunc) Confirm(ctx context.Context, reason string) error { return f(ctx, reason) }
