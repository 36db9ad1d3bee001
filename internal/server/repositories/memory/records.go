package memory

import (
	"context"
	"sort"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/records"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

type RecordRepository struct {
	tx *Tx
}

var _ records.Repository = (*RecordRepository)(nil)

func (r *RecordRepository) Insert(_ context.Context, pred principal.Predicate, rec *models.Record) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if err := rowsec.CheckWrite(pred, rec.OwnerID); err != nil {
		return err
	}
	if _, ok := r.tx.st.records[rec.ID]; ok {
		return common.NewStorageError("records.insert", errDuplicateKey)
	}
	row := *rec
	row.Payload = cloneBytes(rec.Payload)
	r.tx.st.records[rec.ID] = row
	return nil
}

func (r *RecordRepository) Get(_ context.Context, pred principal.Predicate, id string) (*models.Record, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	row, ok := r.tx.st.records[id]
	if !ok || row.IsDeleted || !pred.Allows(row.OwnerID) {
		return nil, common.ErrNotFound
	}
	row.Payload = cloneBytes(row.Payload)
	return &row, nil
}

func (r *RecordRepository) GetForUpdate(ctx context.Context, pred principal.Predicate, id string) (*models.Record, error) {
	return r.Get(ctx, pred, id)
}

func (r *RecordRepository) List(_ context.Context, pred principal.Predicate, f records.ListFilter) ([]*models.Record, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	var result []*models.Record
	for _, row := range r.tx.st.records {
		if row.IsDeleted || !pred.Allows(row.OwnerID) {
			continue
		}
		if f.OwnerID != "" && row.OwnerID != f.OwnerID {
			continue
		}
		if f.Kind != "" && row.Kind != f.Kind {
			continue
		}
		row.Payload = cloneBytes(row.Payload)
		result = append(result, &row)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (r *RecordRepository) Update(_ context.Context, pred principal.Predicate, rec *models.Record) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if _, _, err := rowsec.Args(pred); err != nil {
		return err
	}
	row, ok := r.tx.st.records[rec.ID]
	if !ok || row.IsDeleted || !pred.Allows(row.OwnerID) {
		return common.ErrNotFound
	}
	row.Payload = cloneBytes(rec.Payload)
	row.UpdatedAt = rec.UpdatedAt
	r.tx.st.records[rec.ID] = row
	return nil
}

func (r *RecordRepository) SoftDelete(_ context.Context, pred principal.Predicate, id string, at time.Time) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if _, _, err := rowsec.Args(pred); err != nil {
		return err
	}
	row, ok := r.tx.st.records[id]
	if !ok || row.IsDeleted || !pred.Allows(row.OwnerID) {
		return common.ErrNotFound
	}
	row.IsDeleted = true
	row.DeletedAt = &at
	r.tx.st.records[id] = row
	return nil
}
