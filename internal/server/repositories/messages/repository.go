package messages

import (
	"context"
	"errors"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
)

// ErrDuplicateSequence is returned by Insert when (owner, session, sequence)
// already exists. The whole unit of work must be retried.
var ErrDuplicateSequence = errors.New("duplicate sequence number")

// Retention is the message retention that applies to one owner.
type Retention struct {
	OwnerID       string
	RetentionDays int
}

type Repository interface {
	// LockSession serialises appends to one (owner, session) until the
	// surrounding transaction ends.
	LockSession(ctx context.Context, pred principal.Predicate, ownerID, sessionID string) error
	// MaxSequence counts soft-deleted rows too, so numbers are never reused.
	MaxSequence(ctx context.Context, pred principal.Predicate, ownerID, sessionID string) (int64, error)
	Insert(ctx context.Context, pred principal.Predicate, m *models.Message) error
	// List returns live messages ordered by sequence number.
	List(ctx context.Context, pred principal.Predicate, ownerID, sessionID string, limit int) ([]*models.Message, error)
	// SoftDeleteSession marks every live message of a session deleted and
	// returns the affected rows in their new state.
	SoftDeleteSession(ctx context.Context, pred principal.Predicate, ownerID, sessionID string, at time.Time) ([]*models.Message, error)
	// SoftDeleteOlderThan marks the owner's live messages created before
	// cutoff deleted and returns them.
	SoftDeleteOlderThan(ctx context.Context, pred principal.Predicate, ownerID string, cutoff, at time.Time) ([]*models.Message, error)
	Sessions(ctx context.Context, pred principal.Predicate, ownerID string) ([]models.SessionSummary, error)
	// Retentions lists every owner with live messages and the retention from
	// their context, or defaultDays when they have none. Unrestricted
	// predicates only.
	Retentions(ctx context.Context, pred principal.Predicate, defaultDays int) ([]Retention, error)
}
