package models

import "time"

// AuditCategory classifies security-relevant events.
type AuditCategory string

const (
	AuditCategoryKeyAccess  AuditCategory = "key-access"
	AuditCategoryEncryption AuditCategory = "encryption"
	AuditCategorySync       AuditCategory = "sync"
	AuditCategoryRecovery   AuditCategory = "recovery"
)

// AuditSeverity grades an audit event.
type AuditSeverity string

const (
	AuditSeverityInfo     AuditSeverity = "info"
	AuditSeverityWarning  AuditSeverity = "warning"
	AuditSeverityCritical AuditSeverity = "critical"
)

// AuditEvent is one append-only record of a security-relevant operation.
// Events are never mutated; entries older than the configured retention
// window are purged. Details must never contain plaintext of sensitive
// fields, only structural facts (byte lengths, durations, ids).
type AuditEvent struct {
	ID         string           `json:"id"`
	Timestamp  time.Time        `json:"timestamp"`
	Category   AuditCategory    `json:"category"`
	Severity   AuditSeverity    `json:"severity"`
	Action     string           `json:"action"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	DurationMS int64            `json:"durationMs,omitempty"`
	Actor      OperationContext `json:"actor"`
	Details    map[string]any   `json:"details,omitempty"`
}
