// Package isolation is the only way services reach tenant tables.
//
// A Guard derives the visibility predicate from the caller's scope, runs the
// body inside one unit of work and audits it: mutations synchronously in the
// same transaction, reads in the background. A missing or released scope
// fails closed before any storage call is made.
package isolation

import (
	"context"
	"errors"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/metrics"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/repomanager"
)

// Tx is what a guarded body sees: the predicate to pass to every repository
// call and the repositories of the current unit of work.
type Tx struct {
	Pred   principal.Predicate
	Repos  repomanager.Repositories
	logger logging.Logger
}

// Owns rejects writes to rows not owned by the bound principal itself.
// Admin visibility does not widen it.
func (tx Tx) Owns(ownerID string) error {
	if ownerID == "" || tx.Pred.OwnerID() != ownerID {
		return common.ErrOwnershipMismatch
	}
	return nil
}

// ViewFunc reads through tx and describes what it read. The returned entries
// become READ audit rows; a multi-row read should return one audit.ListRead
// entry. Several entries from one call are folded into a single row.
type ViewFunc func(ctx context.Context, tx Tx) ([]audit.Entry, error)

// MutateFunc writes through tx and returns one entry per changed row. Every
// entry is appended to the audit log before the unit of work commits.
type MutateFunc func(ctx context.Context, tx Tx) ([]audit.Entry, error)

type Guard struct {
	manager  repomanager.Manager
	recorder *audit.Recorder
	logger   logging.Logger
	metrics  *metrics.Metrics
}

func NewGuard(manager repomanager.Manager, recorder *audit.Recorder, logger logging.Logger, m *metrics.Metrics) *Guard {
	return &Guard{
		manager:  manager,
		recorder: recorder,
		logger:   logger.With("module", "isolation"),
		metrics:  m,
	}
}

// View runs a read-only unit of work filtered to the scope's visibility.
func (g *Guard) View(ctx context.Context, scope *principal.Scope, table string, fn ViewFunc) error {
	ctx = logging.WithOperation(ctx, scope.OperationID())
	pred, err := g.predicate(ctx, scope, table, models.OpRead)
	if err != nil {
		return err
	}
	start := time.Now()
	var reads []audit.Entry
	err = g.manager.View(ctx, pred, func(ctx context.Context, repos repomanager.Repositories) error {
		var err error
		reads, err = fn(ctx, Tx{Pred: pred, Repos: repos, logger: g.logger})
		return err
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	if len(reads) > 1 {
		reads = []audit.Entry{foldReads(reads)}
	}
	for _, e := range reads {
		if e.Table == "" {
			e.Table = table
		}
		e.Duration = elapsed
		g.recorder.RecordRead(scope, e)
	}
	return nil
}

// Mutate runs a read-write unit of work filtered to the scope's visibility.
// op labels denial audit rows; the body's entries carry their own operation.
func (g *Guard) Mutate(ctx context.Context, scope *principal.Scope, table string, op models.Operation, fn MutateFunc) error {
	ctx = logging.WithOperation(ctx, scope.OperationID())
	pred, err := g.predicate(ctx, scope, table, op)
	if err != nil {
		return err
	}
	err = g.run(ctx, scope, pred, table, fn)
	if isDenial(err) {
		g.deny(ctx, scope, table, op, err)
	}
	return err
}

// Observe records a READ that was served without touching storage, such as
// a cache hit. Inactive scopes are ignored.
func (g *Guard) Observe(scope *principal.Scope, table string, e audit.Entry) {
	if !scope.Active() {
		return
	}
	if e.Table == "" {
		e.Table = table
	}
	g.recorder.RecordRead(scope, e)
}

// CheckOwner rejects writes that target another owner. Admin scopes are not
// exempt: cross-owner maintenance goes through Privileged.
func (g *Guard) CheckOwner(ctx context.Context, scope *principal.Scope, table string, op models.Operation, ownerID string) error {
	ctx = logging.WithOperation(ctx, scope.OperationID())
	p, err := scope.Principal()
	if err != nil {
		g.deny(ctx, scope, table, op, common.ErrNoPrincipal)
		return common.ErrNoPrincipal
	}
	if p.ID == "" || p.ID != ownerID {
		g.deny(ctx, scope, table, op, common.ErrOwnershipMismatch)
		return common.ErrOwnershipMismatch
	}
	return nil
}

// Privileged runs a read-write unit of work with unrestricted visibility. It
// is reserved for the anomaly detector and maintenance jobs and refuses any
// scope that is not admin-bound.
func (g *Guard) Privileged(ctx context.Context, scope *principal.Scope, table string, fn MutateFunc) error {
	ctx = logging.WithOperation(ctx, scope.OperationID())
	if !scope.Active() {
		g.deny(ctx, scope, table, models.OpUpdate, common.ErrNoPrincipal)
		return common.ErrNoPrincipal
	}
	if !scope.IsAdmin() {
		g.deny(ctx, scope, table, models.OpUpdate, common.ErrAccessDenied)
		return common.ErrAccessDenied
	}
	pred, err := scope.Predicate()
	if err != nil {
		return err
	}
	return g.run(ctx, scope, pred, table, fn)
}

func (g *Guard) run(ctx context.Context, scope *principal.Scope, pred principal.Predicate, table string, fn MutateFunc) error {
	start := time.Now()
	return g.manager.Run(ctx, pred, func(ctx context.Context, repos repomanager.Repositories) error {
		changes, err := fn(ctx, Tx{Pred: pred, Repos: repos, logger: g.logger})
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		for _, c := range changes {
			if c.Table == "" {
				c.Table = table
			}
			c.Duration = elapsed
			if err := g.recorder.Append(ctx, repos.Audit(), scope, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *Guard) predicate(ctx context.Context, scope *principal.Scope, table string, op models.Operation) (principal.Predicate, error) {
	pred, err := scope.Predicate()
	if err != nil {
		g.deny(ctx, scope, table, op, err)
		return principal.Predicate{}, err
	}
	return pred, nil
}

func (g *Guard) deny(ctx context.Context, scope *principal.Scope, table string, op models.Operation, reason error) {
	label := audit.DenialReason(reason)
	g.metrics.AccessDenied(label)
	g.logger.Warn(ctx, "operation denied", "table", table, "operation", string(op), "reason", label)
	g.recorder.RecordDenied(ctx, scope, table, op, reason)
}

// foldReads merges the entries of one View into a single READ.
func foldReads(reads []audit.Entry) audit.Entry {
	ids := make([]string, 0, len(reads))
	for _, e := range reads {
		if e.RecordID != "" {
			ids = append(ids, e.RecordID)
		}
	}
	folded := audit.ListRead(ids)
	folded.Table = reads[0].Table
	return folded
}

func isDenial(err error) bool {
	return errors.Is(err, common.ErrOwnershipMismatch) || errors.Is(err, common.ErrAccessDenied)
}

// Visible drops rows the predicate does not allow. Backends already filter,
// so anything dropped here is a storage-layer isolation bug and is logged.
func Visible[T models.Owned](ctx context.Context, tx Tx, rows []T) []T {
	kept := rows[:0:0]
	for _, row := range rows {
		if tx.Pred.Allows(row.Owner()) {
			kept = append(kept, row)
			continue
		}
		if tx.logger != nil {
			tx.logger.Error(ctx, "backend returned a row outside the visibility predicate")
		}
	}
	return kept
}

// VisibleOne is Visible for a single row; a hidden row reads as not found.
func VisibleOne[T models.Owned](ctx context.Context, tx Tx, row T) (T, error) {
	if kept := Visible(ctx, tx, []T{row}); len(kept) == 1 {
		return kept[0], nil
	}
	var zero T
	return zero, common.ErrNotFound
}
