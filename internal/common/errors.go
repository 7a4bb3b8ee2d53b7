// Package common defines shared constants and sentinel errors used across
// the finance core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Key lifecycle errors.
	ErrKeyNotFound = errors.New("encryption key not found")
	ErrKeyStore    = errors.New("key store failure")

	// Encryption errors.
	ErrIntegrityFailure  = errors.New("ciphertext integrity check failed")
	ErrFieldQuarantined  = errors.New("field is quarantined")
	ErrLocalAuthRequired = errors.New("local authentication required")

	// Sync errors.
	ErrSyncTransport            = errors.New("sync transport failure")
	ErrSyncConflictUnresolvable = errors.New("sync conflict unresolvable")
	ErrSyncInProgress           = errors.New("sync cycle already in progress")

	// Rotation errors.
	ErrRotationFailure    = errors.New("key rotation failure")
	ErrRotationInProgress = errors.New("key rotation already in progress")

	// Validation / generic.
	ErrValidation   = errors.New("validation error")
	ErrorInternal   = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")
)
