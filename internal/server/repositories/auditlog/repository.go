package auditlog

import (
	"context"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
)

// Filter narrows List. Zero fields mean "any". Restricted predicates only
// ever see their own principal's rows, whatever PrincipalID says.
type Filter struct {
	PrincipalID    string
	TableName      string
	Operation      models.Operation
	Since          time.Time
	SuspiciousOnly bool
	Limit          int
}

type Repository interface {
	// Append inserts one row. The log is append-only; only the suspicion
	// fields are ever updated afterwards (see Flag).
	Append(ctx context.Context, rec *models.AuditRecord) error
	List(ctx context.Context, pred principal.Predicate, f Filter) ([]*models.AuditRecord, error)
	// CountSince returns principals with more than minCount rows at or after
	// since. An empty op counts every operation.
	CountSince(ctx context.Context, pred principal.Predicate, since time.Time, op models.Operation, minCount int64) ([]models.PrincipalCount, error)
	// Flag marks the principal's rows in the window suspicious and appends
	// reason where it is not present yet. Returns the number of rows changed.
	Flag(ctx context.Context, pred principal.Predicate, principalID string, since time.Time, op models.Operation, reason string) (int64, error)
	Rollup(ctx context.Context, pred principal.Predicate, from, to time.Time) ([]models.AuditRollup, error)
	DeleteBefore(ctx context.Context, pred principal.Predicate, cutoff time.Time) (int64, error)
}
