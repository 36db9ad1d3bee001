package envelopes

import (
	"context"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
)

type Repository interface {
	Insert(ctx context.Context, pred principal.Predicate, e *models.Envelope) error
	// Get returns a live envelope. Hidden and missing rows both yield ErrNotFound.
	Get(ctx context.Context, pred principal.Predicate, ownerID, id string) (*models.Envelope, error)
	List(ctx context.Context, pred principal.Predicate, ownerID, entryType string, limit int) ([]*models.Envelope, error)
	SoftDelete(ctx context.Context, pred principal.Predicate, ownerID, id string, at time.Time) error
}
