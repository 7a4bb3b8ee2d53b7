package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/dbx"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/store"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/syncx"
)

// ReadEntity loads one entity and decrypts its sensitive fields. Quarantined
// fields stay opaque; everything else is returned in the clear.
func (a *App) ReadEntity(ctx context.Context, userID, table, id string) (*models.Entity, error) {
	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}
	opCtx := models.OperationContext{UserID: userID, Table: table, RecordID: id, Operation: "read"}

	e, err := store.NewSQLiteEntityRepository(a.db).GetByID(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted() {
		return nil, common.ErrorNotFound
	}
	return a.fields.DecryptRecord(ctx, opCtx, e)
}

// WriteEntity applies field mutations to an entity, creating it when absent.
// The mutation, its encryption and the change-log append happen in one
// transaction, so a crash can never record a change without its entity or
// the other way round.
func (a *App) WriteEntity(ctx context.Context, userID, table, id string, mutations map[string][]byte) (*models.Entity, error) {
	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}
	if len(mutations) == 0 {
		return nil, common.ErrValidation
	}
	if id == "" {
		id = uuid.NewString()
	}
	opCtx := models.OperationContext{UserID: userID, Table: table, RecordID: id, Operation: "write"}

	var result *models.Entity
	err := dbx.WithTx(ctx, a.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := store.NewSQLiteEntityRepository(tx)

		op := models.ChangeOpUpdate
		e, err := repo.GetByID(ctx, table, id)
		switch {
		case errors.Is(err, common.ErrorNotFound):
			op = models.ChangeOpCreate
			e = &models.Entity{ID: id, Table: table, OwnerID: userID, Fields: map[string]models.FieldValue{}}
		case err != nil:
			return err
		case e.Deleted():
			return common.ErrorNotFound
		}

		for name, value := range mutations {
			e.Fields[name] = models.PlainValue(append([]byte(nil), value...))
		}
		bumpUpdatedAt(e)

		encrypted, err := a.fields.EncryptRecord(ctx, opCtx, e)
		if err != nil {
			return err
		}
		if err := repo.Upsert(ctx, encrypted); err != nil {
			return err
		}

		payload, err := models.EncodeEntity(encrypted)
		if err != nil {
			return err
		}
		if err := syncx.NewSQLiteQueue(tx).Enqueue(ctx, &models.ChangeLogEntry{
			Op:       op,
			Table:    table,
			EntityID: id,
			Payload:  payload,
		}); err != nil {
			return err
		}

		result = encrypted
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.TriggerSync()
	return result, nil
}

// DeleteEntity soft-deletes an entity and enqueues the tombstone. Deleting
// an already deleted or absent entity returns ErrorNotFound.
func (a *App) DeleteEntity(ctx context.Context, userID, table, id string) error {
	if err := a.requireUnlocked(); err != nil {
		return err
	}

	err := dbx.WithTx(ctx, a.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := store.NewSQLiteEntityRepository(tx)
		e, err := repo.GetByID(ctx, table, id)
		if err != nil {
			return err
		}
		if e.Deleted() {
			return common.ErrorNotFound
		}

		now := time.Now().UTC()
		e.DeletedAt = &now
		bumpUpdatedAt(e)
		if err := repo.Upsert(ctx, e); err != nil {
			return err
		}

		payload, err := models.EncodeEntity(e)
		if err != nil {
			return err
		}
		return syncx.NewSQLiteQueue(tx).Enqueue(ctx, &models.ChangeLogEntry{
			Op:       models.ChangeOpDelete,
			Table:    table,
			EntityID: id,
			Payload:  payload,
		})
	})
	if err != nil {
		return err
	}

	a.TriggerSync()
	return nil
}

// ListEntities returns the decrypted, non-deleted entities of a table.
func (a *App) ListEntities(ctx context.Context, userID, table string) ([]*models.Entity, error) {
	if err := a.requireUnlocked(); err != nil {
		return nil, err
	}

	all, err := store.NewSQLiteEntityRepository(a.db).GetAll(ctx, table)
	if err != nil {
		return nil, err
	}

	result := make([]*models.Entity, 0, len(all))
	for _, e := range all {
		if e.Deleted() {
			continue
		}
		opCtx := models.OperationContext{UserID: userID, Table: table, RecordID: e.ID, Operation: "read"}
		plain, err := a.fields.DecryptRecord(ctx, opCtx, e)
		if err != nil {
			return nil, err
		}
		result = append(result, plain)
	}
	return result, nil
}

// bumpUpdatedAt advances UpdatedAt, keeping it strictly increasing even when
// two mutations land within clock resolution.
func bumpUpdatedAt(e *models.Entity) {
	now := time.Now().UTC()
	if !now.After(e.UpdatedAt) {
		now = e.UpdatedAt.Add(time.Millisecond)
	}
	e.UpdatedAt = now
}
