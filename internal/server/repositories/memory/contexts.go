package memory

import (
	"context"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/contexts"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

// ContextRepository keys rows by owner id.
type ContextRepository struct {
	tx *Tx
}

var _ contexts.Repository = (*ContextRepository)(nil)

func (r *ContextRepository) GetByOwner(_ context.Context, pred principal.Predicate, ownerID string) (*models.UserContext, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	row, ok := r.tx.st.contexts[ownerID]
	if !ok || !pred.Allows(row.OwnerID) {
		return nil, common.ErrNotFound
	}
	return row.Clone(), nil
}

func (r *ContextRepository) Insert(_ context.Context, pred principal.Predicate, c *models.UserContext) (bool, error) {
	if err := r.tx.writable(); err != nil {
		return false, err
	}
	if err := rowsec.CheckWrite(pred, c.OwnerID); err != nil {
		return false, err
	}
	if _, ok := r.tx.st.contexts[c.OwnerID]; ok {
		return false, nil
	}
	r.tx.st.contexts[c.OwnerID] = *c.Clone()
	return true, nil
}

func (r *ContextRepository) Update(_ context.Context, pred principal.Predicate, c *models.UserContext) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if _, _, err := rowsec.Args(pred); err != nil {
		return err
	}
	row, ok := r.tx.st.contexts[c.OwnerID]
	if !ok || !pred.Allows(row.OwnerID) {
		return common.ErrNotFound
	}
	next := *c.Clone()
	next.ID = row.ID
	next.CreatedAt = row.CreatedAt
	r.tx.st.contexts[c.OwnerID] = next
	return nil
}

func (r *ContextRepository) Delete(_ context.Context, pred principal.Predicate, ownerID string) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if _, _, err := rowsec.Args(pred); err != nil {
		return err
	}
	row, ok := r.tx.st.contexts[ownerID]
	if !ok || !pred.Allows(row.OwnerID) {
		return common.ErrNotFound
	}
	delete(r.tx.st.contexts, ownerID)
	return nil
}
