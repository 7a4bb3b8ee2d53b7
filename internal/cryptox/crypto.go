// Package cryptox implements the authenticated-encryption service used for
// sensitive entity fields, plus passphrase key derivation.
//
// Every encryption generates a fresh random nonce internally; callers can
// never supply one, so nonce reuse under a key is structurally impossible.
package cryptox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/audit"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// SaltSize is the salt length for passphrase derivation.
	SaltSize  = 16
	nonceSize = 12
)

// KeyProvider supplies key material by id. Implemented by keystore.Manager.
type KeyProvider interface {
	ActiveKeyID(ctx context.Context) (string, error)
	KeyMaterial(ctx context.Context, keyID string) ([]byte, error)
}

// Service performs AEAD encryption and decryption of opaque byte payloads
// using keys obtained from a KeyProvider. All calls are audited with byte
// lengths and durations, never plaintext content.
type Service struct {
	keys    KeyProvider
	auditor audit.Recorder
}

// NewService constructs the encryption service.
func NewService(keys KeyProvider, auditor audit.Recorder) *Service {
	return &Service{keys: keys, auditor: auditor}
}

// Encrypt seals plaintext under the key identified by keyID, or under the
// active key if keyID is empty. The returned FieldValue carries ciphertext,
// key reference and the internally generated nonce.
func (s *Service) Encrypt(ctx context.Context, opCtx models.OperationContext, plaintext []byte, keyID string) (models.FieldValue, error) {
	start := time.Now()

	if keyID == "" {
		id, err := s.keys.ActiveKeyID(ctx)
		if err != nil {
			s.auditFailure(ctx, opCtx, "encrypt", start, err)
			return models.FieldValue{}, err
		}
		keyID = id
	}

	material, err := s.keys.KeyMaterial(ctx, keyID)
	if err != nil {
		s.auditFailure(ctx, opCtx, "encrypt", start, err)
		return models.FieldValue{}, err
	}
	defer common.WipeByteArray(material)

	aead, err := newAEAD(material)
	if err != nil {
		s.auditFailure(ctx, opCtx, "encrypt", start, err)
		return models.FieldValue{}, err
	}

	nonce := common.GenerateRandByteArray(nonceSize)
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	s.auditor.Record(ctx, models.AuditEvent{
		Category:   models.AuditCategoryEncryption,
		Severity:   models.AuditSeverityInfo,
		Action:     "encrypt",
		Success:    true,
		Actor:      opCtx,
		Details:    map[string]any{"key_id": keyID, "plaintext_bytes": len(plaintext)},
		DurationMS: time.Since(start).Milliseconds(),
	})

	return models.FieldValue{Cipher: ciphertext, KeyID: keyID, Nonce: nonce}, nil
}

// Decrypt opens the ciphertext in field with the key it references. A tag
// mismatch or any other AEAD failure returns common.ErrIntegrityFailure;
// no partial plaintext is ever returned.
func (s *Service) Decrypt(ctx context.Context, opCtx models.OperationContext, field models.FieldValue) ([]byte, error) {
	start := time.Now()

	if field.Quarantined {
		return nil, common.ErrFieldQuarantined
	}
	if !field.Encrypted() {
		return field.Plain, nil
	}

	material, err := s.keys.KeyMaterial(ctx, field.KeyID)
	if err != nil {
		s.auditFailure(ctx, opCtx, "decrypt", start, err)
		return nil, err
	}
	defer common.WipeByteArray(material)

	aead, err := newAEAD(material)
	if err != nil {
		s.auditFailure(ctx, opCtx, "decrypt", start, err)
		return nil, err
	}

	if len(field.Nonce) != nonceSize {
		err := fmt.Errorf("%w: bad nonce length %d", common.ErrIntegrityFailure, len(field.Nonce))
		s.auditFailure(ctx, opCtx, "decrypt", start, err)
		return nil, err
	}

	plaintext, err := aead.Open(nil, field.Nonce, field.Cipher, nil)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", common.ErrIntegrityFailure, err)
		s.auditFailure(ctx, opCtx, "decrypt", start, wrapped)
		return nil, wrapped
	}

	s.auditor.Record(ctx, models.AuditEvent{
		Category:   models.AuditCategoryEncryption,
		Severity:   models.AuditSeverityInfo,
		Action:     "decrypt",
		Success:    true,
		Actor:      opCtx,
		Details:    map[string]any{"key_id": field.KeyID, "ciphertext_bytes": len(field.Cipher)},
		DurationMS: time.Since(start).Milliseconds(),
	})

	return plaintext, nil
}

func (s *Service) auditFailure(ctx context.Context, opCtx models.OperationContext, action string, start time.Time, err error) {
	s.auditor.Record(ctx, models.AuditEvent{
		Category:   models.AuditCategoryEncryption,
		Severity:   models.AuditSeverityWarning,
		Action:     action,
		Success:    false,
		Error:      err.Error(),
		Actor:      opCtx,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// DeriveMasterKey derives a 256-bit key from a passphrase and salt using
// argon2id with the interactive parameter profile.
func DeriveMasterKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// MakeVerifier returns a hash of the master key stored locally so a
// passphrase can be checked without keeping the derived key around.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

// DeriveSubkey expands a parent key into a context-bound subkey via HKDF.
// The key-backup key, for example, is derived with context "key-backup" so
// the same passphrase never encrypts two different things under one key.
func DeriveSubkey(parent []byte, context string) ([]byte, error) {
	r := hkdf.New(sha256.New, parent, nil, []byte(context))
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return sub, nil
}
