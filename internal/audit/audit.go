// Package audit implements the append-only security audit trail. Every
// security-relevant operation in the core (key access, encryption, sync,
// recovery) records a structured event here.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

// Recorder is the write side of the audit trail. It is intentionally
// fire-and-forget: audit failures are logged but never fail the audited
// operation.
type Recorder interface {
	Record(ctx context.Context, event models.AuditEvent)
}

// Query filters audit events. Zero values mean "no filter".
type Query struct {
	Category models.AuditCategory
	Since    time.Time
	Until    time.Time
	Success  *bool
	Limit    int
}

// Repository persists audit events.
type Repository interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	Find(ctx context.Context, q Query) ([]models.AuditEvent, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service is the audit recorder backed by a Repository. It fills in event
// ids and timestamps and applies the retention policy.
type Service struct {
	repo      Repository
	log       logging.Logger
	retention time.Duration
}

// NewService constructs the audit service. retention bounds how long events
// are kept; PurgeExpired enforces it.
func NewService(repo Repository, log logging.Logger, retention time.Duration) *Service {
	return &Service{repo: repo, log: log, retention: retention}
}

// Record appends one event, assigning id and timestamp if unset.
func (s *Service) Record(ctx context.Context, event models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := s.repo.Append(ctx, &event); err != nil {
		s.log.Error(ctx, "audit append failed", "action", event.Action, "error", err)
	}
}

// Find returns events matching the query, newest first.
func (s *Service) Find(ctx context.Context, q Query) ([]models.AuditEvent, error) {
	return s.repo.Find(ctx, q)
}

// PurgeExpired removes events older than the retention window and returns
// how many were dropped.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info(ctx, "audit retention purge", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}
