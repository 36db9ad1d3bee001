package records

import (
	"context"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
)

// ListFilter narrows List. Zero fields mean "any".
type ListFilter struct {
	OwnerID string
	Kind    models.RecordKind
	Limit   int
}

type Repository interface {
	Insert(ctx context.Context, pred principal.Predicate, r *models.Record) error
	Get(ctx context.Context, pred principal.Predicate, id string) (*models.Record, error)
	GetForUpdate(ctx context.Context, pred principal.Predicate, id string) (*models.Record, error)
	List(ctx context.Context, pred principal.Predicate, f ListFilter) ([]*models.Record, error)
	Update(ctx context.Context, pred principal.Predicate, r *models.Record) error
	SoftDelete(ctx context.Context, pred principal.Predicate, id string, at time.Time) error
}
