// Package recovery handles encryption failure scenarios as explicit, bounded
// cases: restore keys from an encrypted backup, retry and then quarantine an
// unreadable field, force a rotation after suspected compromise. Nothing here
// discards data; a field is always quarantined before anything irreversible,
// and every attempt is audited with its outcome.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/audit"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/fields"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/keystore"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/persist"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/rotation"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/store"
)

// Scenario identifies one recovery case.
type Scenario string

const (
	ScenarioKeyCorruption       Scenario = "key_corruption"
	ScenarioKeyLoss             Scenario = "key_loss"
	ScenarioFieldDecryptFail    Scenario = "field_decryption_failure"
	ScenarioLocalAuthFailure    Scenario = "local_auth_failure"
	ScenarioSuspectedCompromise Scenario = "suspected_compromise"
	ScenarioDataCorruption      Scenario = "data_corruption"
)

// Plan describes what a recovery run would do, and at what risk, before the
// caller commits to it.
type Plan struct {
	Scenario     Scenario
	Action       string
	Risk         string
	Irreversible bool
}

// Request asks for one recovery run. AcceptRisk must be set for scenarios
// whose plan is irreversible; without it the run stops at the plan.
type Request struct {
	Scenario   Scenario
	OpCtx      models.OperationContext
	AcceptRisk bool
}

// Outcome reports what a recovery run did.
type Outcome struct {
	Plan         Plan
	Executed     bool
	RestoredKeys []string
	Quarantined  []string
	Detail       string
}

// Service drives the recovery scenarios. backups and backupKey come from the
// unlock flow; both may be nil/empty when no backup store is configured, in
// which case restore-based scenarios degrade to quarantine.
type Service struct {
	db        *sql.DB
	keys      *keystore.Manager
	fields    *fields.Manager
	rotation  *rotation.Service
	backups   persist.Store
	backupKey []byte
	auditor   audit.Recorder
	log       logging.Logger
}

// NewService constructs the recovery service.
func NewService(db *sql.DB, keys *keystore.Manager, fm *fields.Manager,
	rot *rotation.Service, backups persist.Store, backupKey []byte,
	auditor audit.Recorder, log logging.Logger) *Service {
	return &Service{
		db:        db,
		keys:      keys,
		fields:    fm,
		rotation:  rot,
		backups:   backups,
		backupKey: backupKey,
		auditor:   auditor,
		log:       log,
	}
}

// Classify maps an operational error to the recovery scenario that handles
// it. Errors outside the recovery domain return an empty scenario.
func Classify(err error) Scenario {
	switch {
	case errors.Is(err, common.ErrKeyNotFound):
		return ScenarioKeyLoss
	case errors.Is(err, common.ErrKeyStore):
		return ScenarioKeyCorruption
	case errors.Is(err, common.ErrIntegrityFailure):
		return ScenarioFieldDecryptFail
	case errors.Is(err, common.ErrLocalAuthRequired):
		return ScenarioLocalAuthFailure
	default:
		return ""
	}
}

// PlanFor returns the bounded action and risk annotation for a scenario.
func (s *Service) PlanFor(scenario Scenario) Plan {
	switch scenario {
	case ScenarioKeyCorruption:
		return Plan{
			Scenario: scenario,
			Action:   "restore key material from the encrypted backup",
			Risk:     "keys created after the last backup are not restored",
		}
	case ScenarioKeyLoss:
		return Plan{
			Scenario:     scenario,
			Action:       "restore keys from backup; fields whose key cannot be restored are quarantined and only non-sensitive data remains exportable",
			Risk:         "quarantined fields stay unreadable until their key reappears; without a backup the loss is permanent",
			Irreversible: true,
		}
	case ScenarioFieldDecryptFail:
		return Plan{
			Scenario: scenario,
			Action:   "retry decryption once, then quarantine the single field",
			Risk:     "the quarantined field is unusable; the rest of the record stays readable",
		}
	case ScenarioLocalAuthFailure:
		return Plan{
			Scenario: scenario,
			Action:   "no data is touched; authenticate with an alternate local factor and retry",
			Risk:     "none",
		}
	case ScenarioSuspectedCompromise:
		return Plan{
			Scenario:     scenario,
			Action:       "drop cached key material, rotate to a fresh key and wipe the old one, then require re-authentication",
			Risk:         "the previous key becomes unrecoverable once rotation finalizes",
			Irreversible: true,
		}
	case ScenarioDataCorruption:
		return Plan{
			Scenario: scenario,
			Action:   "quarantine the corrupted field, keeping its bytes for later repair",
			Risk:     "the field is unusable while quarantined; no data is discarded",
		}
	default:
		return Plan{Scenario: scenario, Action: "unknown scenario", Risk: "none"}
	}
}

// Run executes one recovery scenario. Irreversible plans require
// Request.AcceptRisk; otherwise the plan is returned unexecuted so the
// caller can present the risk first.
func (s *Service) Run(ctx context.Context, req Request) (Outcome, error) {
	plan := s.PlanFor(req.Scenario)
	outcome := Outcome{Plan: plan}

	if plan.Irreversible && !req.AcceptRisk {
		outcome.Detail = "risk not accepted, nothing executed"
		return outcome, nil
	}

	start := time.Now()
	var err error
	switch req.Scenario {
	case ScenarioKeyCorruption:
		outcome.RestoredKeys, err = s.restoreFromBackup(ctx)
	case ScenarioKeyLoss:
		outcome.RestoredKeys, outcome.Quarantined, err = s.recoverLostKeys(ctx)
	case ScenarioFieldDecryptFail:
		err = s.retryThenQuarantine(ctx, req.OpCtx, &outcome)
	case ScenarioLocalAuthFailure:
		outcome.Detail = "awaiting alternate local authentication factor"
	case ScenarioSuspectedCompromise:
		err = s.handleCompromise(ctx, &outcome)
	case ScenarioDataCorruption:
		err = s.QuarantineField(ctx, req.OpCtx.Table, req.OpCtx.RecordID, req.OpCtx.Operation)
		if err == nil {
			outcome.Quarantined = append(outcome.Quarantined,
				fmt.Sprintf("%s/%s/%s", req.OpCtx.Table, req.OpCtx.RecordID, req.OpCtx.Operation))
		}
	default:
		err = fmt.Errorf("%w: unknown recovery scenario %q", common.ErrValidation, req.Scenario)
	}
	outcome.Executed = err == nil

	s.auditor.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryRecovery,
		Severity: severityFor(err),
		Action:   string(req.Scenario),
		Success:  err == nil,
		Error:    errString(err),
		Actor:    req.OpCtx,
		Details: map[string]any{
			"restored_keys": outcome.RestoredKeys,
			"quarantined":   outcome.Quarantined,
		},
		DurationMS: time.Since(start).Milliseconds(),
	})
	return outcome, err
}

func (s *Service) restoreFromBackup(ctx context.Context) ([]string, error) {
	if s.backups == nil || len(s.backupKey) == 0 {
		return nil, fmt.Errorf("%w: no key backup configured", common.ErrKeyNotFound)
	}
	restored, err := s.keys.RestoreKeys(ctx, s.backups, s.backupKey)
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "restored keys from backup", "count", len(restored))
	return restored, nil
}

// recoverLostKeys restores what the backup holds, then quarantines every
// field whose key is still missing so the rest of each record stays usable.
func (s *Service) recoverLostKeys(ctx context.Context) (restored []string, quarantined []string, err error) {
	if s.backups != nil && len(s.backupKey) > 0 {
		restored, err = s.keys.RestoreKeys(ctx, s.backups, s.backupKey)
		if err != nil {
			s.log.Warn(ctx, "backup restore failed, continuing to quarantine", "error", err)
			restored = nil
		}
	}

	quarantined, err = s.quarantineUnreadable(ctx)
	return restored, quarantined, err
}

// quarantineUnreadable walks every entity and quarantines encrypted fields
// whose key material cannot be retrieved.
func (s *Service) quarantineUnreadable(ctx context.Context) ([]string, error) {
	repo := store.NewSQLiteEntityRepository(s.db)
	tables, err := repo.AllTables(ctx)
	if err != nil {
		return nil, err
	}

	missing := map[string]bool{}
	var quarantined []string
	for _, table := range tables {
		all, err := repo.GetAll(ctx, table)
		if err != nil {
			return quarantined, err
		}
		for _, e := range all {
			for name, fv := range e.Fields {
				if !fv.Encrypted() || fv.Quarantined {
					continue
				}
				unreadable, seen := missing[fv.KeyID]
				if !seen {
					_, kerr := s.keys.KeyMaterial(ctx, fv.KeyID)
					unreadable = errors.Is(kerr, common.ErrKeyNotFound)
					if kerr != nil && !unreadable {
						return quarantined, kerr
					}
					missing[fv.KeyID] = unreadable
				}
				if !unreadable {
					continue
				}
				if err := s.QuarantineField(ctx, e.Table, e.ID, name); err != nil {
					return quarantined, err
				}
				quarantined = append(quarantined, fmt.Sprintf("%s/%s/%s", e.Table, e.ID, name))
			}
		}
	}
	return quarantined, nil
}

// retryThenQuarantine retries decryption of one field once and quarantines
// it on a second failure. OpCtx.Operation carries the field name.
func (s *Service) retryThenQuarantine(ctx context.Context, opCtx models.OperationContext, outcome *Outcome) error {
	repo := store.NewSQLiteEntityRepository(s.db)
	e, err := repo.GetByID(ctx, opCtx.Table, opCtx.RecordID)
	if err != nil {
		return err
	}
	field := opCtx.Operation
	fv, ok := e.Fields[field]
	if !ok {
		return fmt.Errorf("%w: field %s not found on %s/%s", common.ErrorNotFound, field, opCtx.Table, opCtx.RecordID)
	}

	if _, err := s.fields.DecryptField(ctx, opCtx, opCtx.Table, field, fv); err == nil {
		outcome.Detail = "retry succeeded, field readable"
		return nil
	}
	if err := s.QuarantineField(ctx, opCtx.Table, opCtx.RecordID, field); err != nil {
		return err
	}
	outcome.Quarantined = append(outcome.Quarantined,
		fmt.Sprintf("%s/%s/%s", opCtx.Table, opCtx.RecordID, field))
	outcome.Detail = "retry failed, field quarantined"
	return nil
}

func (s *Service) handleCompromise(ctx context.Context, outcome *Outcome) error {
	result, err := s.rotation.Rotate(ctx)
	if err != nil {
		return err
	}
	outcome.Detail = fmt.Sprintf("rotated %s to %s, re-authentication required", result.OldKeyID, result.NewKeyID)
	return nil
}

// QuarantineField marks one field unusable without failing the record. The
// ciphertext is kept in place so a later key restore can lift the
// quarantine.
func (s *Service) QuarantineField(ctx context.Context, table, id, field string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := store.NewSQLiteEntityRepository(tx)
		e, err := repo.GetByID(ctx, table, id)
		if err != nil {
			return err
		}
		fv, ok := e.Fields[field]
		if !ok {
			return fmt.Errorf("%w: field %s not found on %s/%s", common.ErrorNotFound, field, table, id)
		}
		if fv.Quarantined {
			return nil
		}
		fv.Quarantined = true
		fv.Plain = nil
		e.Fields[field] = fv
		return repo.Upsert(ctx, e)
	})
}

// LiftQuarantine clears the quarantine flag after the field became readable
// again, e.g. after a key restore. It verifies readability first.
func (s *Service) LiftQuarantine(ctx context.Context, opCtx models.OperationContext, table, id, field string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := store.NewSQLiteEntityRepository(tx)
		e, err := repo.GetByID(ctx, table, id)
		if err != nil {
			return err
		}
		fv, ok := e.Fields[field]
		if !ok || !fv.Quarantined {
			return nil
		}
		probe := fv
		probe.Quarantined = false
		if probe.Encrypted() {
			if _, err := s.fields.DecryptField(ctx, opCtx, table, field, probe); err != nil {
				return fmt.Errorf("field still unreadable: %w", err)
			}
		}
		e.Fields[field] = probe
		return repo.Upsert(ctx, e)
	})
}

// ExportNonSensitive returns, per entity of a table, the plaintext fields
// only. This is the data-export fallback when sensitive fields were lost
// with their key.
func (s *Service) ExportNonSensitive(ctx context.Context, table string) (map[string]map[string][]byte, error) {
	repo := store.NewSQLiteEntityRepository(s.db)
	all, err := repo.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}
	export := make(map[string]map[string][]byte, len(all))
	for _, e := range all {
		if e.Deleted() {
			continue
		}
		record := map[string][]byte{}
		for name, fv := range e.Fields {
			if fv.Encrypted() || fv.Quarantined {
				continue
			}
			record[name] = append([]byte(nil), fv.Plain...)
		}
		export[e.ID] = record
	}
	return export, nil
}

func severityFor(err error) models.AuditSeverity {
	if err == nil {
		return models.AuditSeverityWarning
	}
	return models.AuditSeverityCritical
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
