package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/envelopes"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

var errDuplicateKey = errors.New("duplicate key")

type EnvelopeRepository struct {
	tx *Tx
}

var _ envelopes.Repository = (*EnvelopeRepository)(nil)

func (r *EnvelopeRepository) Insert(_ context.Context, pred principal.Predicate, e *models.Envelope) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if err := rowsec.CheckWrite(pred, e.OwnerID); err != nil {
		return err
	}
	if _, ok := r.tx.st.envelopes[e.ID]; ok {
		return common.NewStorageError("envelopes.insert", errDuplicateKey)
	}
	row := *e
	row.Ciphertext = cloneBytes(e.Ciphertext)
	r.tx.st.envelopes[e.ID] = row
	return nil
}

func (r *EnvelopeRepository) Get(_ context.Context, pred principal.Predicate, ownerID, id string) (*models.Envelope, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	row, ok := r.tx.st.envelopes[id]
	if !ok || row.IsDeleted || row.OwnerID != ownerID || !pred.Allows(row.OwnerID) {
		return nil, common.ErrNotFound
	}
	row.Ciphertext = cloneBytes(row.Ciphertext)
	return &row, nil
}

func (r *EnvelopeRepository) List(_ context.Context, pred principal.Predicate, ownerID, entryType string, limit int) ([]*models.Envelope, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	var result []*models.Envelope
	for _, row := range r.tx.st.envelopes {
		if row.IsDeleted || row.OwnerID != ownerID || !pred.Allows(row.OwnerID) {
			continue
		}
		if entryType != "" && row.EntryType != entryType {
			continue
		}
		row.Ciphertext = cloneBytes(row.Ciphertext)
		result = append(result, &row)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *EnvelopeRepository) SoftDelete(_ context.Context, pred principal.Predicate, ownerID, id string, at time.Time) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if _, _, err := rowsec.Args(pred); err != nil {
		return err
	}
	row, ok := r.tx.st.envelopes[id]
	if !ok || row.IsDeleted || row.OwnerID != ownerID || !pred.Allows(row.OwnerID) {
		return common.ErrNotFound
	}
	row.IsDeleted = true
	row.DeletedAt = &at
	r.tx.st.envelopes[id] = row
	return nil
}
