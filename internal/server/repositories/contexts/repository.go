package contexts

import (
	"context"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
)

type Repository interface {
	GetByOwner(ctx context.Context, pred principal.Predicate, ownerID string) (*models.UserContext, error)
	// Insert creates the owner's context. created is false when a concurrent
	// caller won the race and the row already exists.
	Insert(ctx context.Context, pred principal.Predicate, c *models.UserContext) (created bool, err error)
	Update(ctx context.Context, pred principal.Predicate, c *models.UserContext) error
	Delete(ctx context.Context, pred principal.Predicate, ownerID string) error
}
