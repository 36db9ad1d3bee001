// Package repomanager runs units of work against a storage backend. Every
// unit is bound to one visibility predicate and sees the five tenant
// repositories through a single transaction: either every write in the unit
// (audit rows included) becomes visible, or none does.
package repomanager

import (
	"context"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/contexts"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/envelopes"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/messages"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/records"
)

// Repositories is the repository set of one unit of work.
type Repositories interface {
	Records() records.Repository
	Envelopes() envelopes.Repository
	Contexts() contexts.Repository
	Messages() messages.Repository
	Audit() auditlog.Repository
}

// UnitFunc is the body of a unit of work.
type UnitFunc func(ctx context.Context, repos Repositories) error

type Manager interface {
	// Run executes fn in a read-write transaction.
	Run(ctx context.Context, pred principal.Predicate, fn UnitFunc) error
	// View executes fn in a read-only transaction.
	View(ctx context.Context, pred principal.Predicate, fn UnitFunc) error
	RunMigrations(ctx context.Context) error
	Close() error
}
