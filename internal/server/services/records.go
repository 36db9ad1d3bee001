// Package services contains the tenant-facing operations of the vault. Every
// method takes the caller's scope explicitly and reaches storage only
// through the isolation guard.
package services

import (
	"context"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/records"
	"github.com/google/uuid"
)

// RecordService manages mood, dream, therapy and chat entries.
type RecordService struct {
	guard *isolation.Guard
	now   func() time.Time
}

func NewRecordService(guard *isolation.Guard) *RecordService {
	return &RecordService{guard: guard, now: time.Now}
}

// Create stores a new record for ownerID, which must be the caller.
func (s *RecordService) Create(ctx context.Context, scope *principal.Scope, ownerID string, kind models.RecordKind, payload []byte) (*models.Record, error) {
	if !kind.Valid() {
		return nil, common.ErrInvalidArgument
	}
	if err := s.guard.CheckOwner(ctx, scope, models.TableRecords, models.OpCreate, ownerID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := &models.Record{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.guard.Mutate(ctx, scope, models.TableRecords, models.OpCreate, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		if err := tx.Repos.Records().Insert(ctx, tx.Pred, rec); err != nil {
			return nil, err
		}
		return []audit.Entry{{Operation: models.OpCreate, RecordID: rec.ID, New: rec.Snapshot()}}, nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns a live record visible to the caller.
func (s *RecordService) Get(ctx context.Context, scope *principal.Scope, id string) (*models.Record, error) {
	var rec *models.Record
	err := s.guard.View(ctx, scope, models.TableRecords, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		row, err := tx.Repos.Records().Get(ctx, tx.Pred, id)
		if err != nil {
			return nil, err
		}
		if rec, err = isolation.VisibleOne(ctx, tx, row); err != nil {
			return nil, err
		}
		return []audit.Entry{{RecordID: id}}, nil
	})
	return rec, err
}

// List returns the caller's live records, newest first. Admin scopes see
// every owner's records unless filter.OwnerID narrows them.
func (s *RecordService) List(ctx context.Context, scope *principal.Scope, filter records.ListFilter) ([]*models.Record, error) {
	var rows []*models.Record
	err := s.guard.View(ctx, scope, models.TableRecords, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		found, err := tx.Repos.Records().List(ctx, tx.Pred, filter)
		if err != nil {
			return nil, err
		}
		rows = isolation.Visible(ctx, tx, found)
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		return []audit.Entry{audit.ListRead(ids)}, nil
	})
	return rows, err
}

// Update replaces the payload of one of the caller's records.
func (s *RecordService) Update(ctx context.Context, scope *principal.Scope, id string, payload []byte) (*models.Record, error) {
	var updated *models.Record
	err := s.guard.Mutate(ctx, scope, models.TableRecords, models.OpUpdate, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		current, err := tx.Repos.Records().GetForUpdate(ctx, tx.Pred, id)
		if err != nil {
			return nil, err
		}
		if err := tx.Owns(current.OwnerID); err != nil {
			return nil, err
		}
		before := current.Snapshot()
		next := *current
		next.Payload = append([]byte(nil), payload...)
		next.UpdatedAt = s.now().UTC()
		if err := tx.Repos.Records().Update(ctx, tx.Pred, &next); err != nil {
			return nil, err
		}
		updated = &next
		return []audit.Entry{{Operation: models.OpUpdate, RecordID: id, Old: before, New: next.Snapshot()}}, nil
	})
	return updated, err
}

// Delete soft-deletes one of the caller's records.
func (s *RecordService) Delete(ctx context.Context, scope *principal.Scope, id string) error {
	return s.guard.Mutate(ctx, scope, models.TableRecords, models.OpDelete, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		current, err := tx.Repos.Records().GetForUpdate(ctx, tx.Pred, id)
		if err != nil {
			return nil, err
		}
		if err := tx.Owns(current.OwnerID); err != nil {
			return nil, err
		}
		at := s.now().UTC()
		if err := tx.Repos.Records().SoftDelete(ctx, tx.Pred, id, at); err != nil {
			return nil, err
		}
		after := *current
		after.IsDeleted = true
		after.DeletedAt = &at
		return []audit.Entry{{Operation: models.OpDelete, RecordID: id, Old: current.Snapshot(), New: after.Snapshot()}}, nil
	})
}
