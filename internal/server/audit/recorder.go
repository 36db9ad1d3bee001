// Package audit records who touched which tenant row, when and how.
//
// Mutations are recorded synchronously through Append inside the unit of work
// that performs them, so a committed change always has its audit row. Reads
// are queued and written by a background worker; a full queue drops the row.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/metrics"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

const (
	DefaultRetention = 90 * 24 * time.Hour
	DefaultQueueSize = 1024

	// readBatch caps how many queued READ rows share one unit of work.
	readBatch = 128
)

// Entry describes one audited operation on one table.
type Entry struct {
	Table     string
	Operation models.Operation
	// RecordID is empty for operations spanning several rows.
	RecordID string
	Old      any
	New      any
	Duration time.Duration
}

// ListRead describes a read returning many rows as one entry, so a listing
// counts as a single operation however many rows it returns.
func ListRead(ids []string) Entry {
	if ids == nil {
		ids = []string{}
	}
	return Entry{New: map[string]any{"record_ids": ids, "count": len(ids)}}
}

type Options struct {
	AuditReads bool
	QueueSize  int
	Retention  time.Duration
	HashKey    string
	Metrics    *metrics.Metrics
}

type queued struct {
	rec     *models.AuditRecord
	flushed chan struct{}
}

type Recorder struct {
	manager    repomanager.Manager
	logger     logging.Logger
	redactor   *Redactor
	metrics    *metrics.Metrics
	auditReads bool
	retention  time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	wg     sync.WaitGroup
	writer *principal.Scope
}

func NewRecorder(manager repomanager.Manager, logger logging.Logger, opts Options) (*Recorder, error) {
	redactor, err := NewRedactor(opts.HashKey)
	if err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	r := &Recorder{
		manager:    manager,
		logger:     logger.With("module", "audit"),
		redactor:   redactor,
		metrics:    opts.Metrics,
		auditReads: opts.AuditReads,
		retention:  opts.Retention,
		now:        time.Now,
		queue:      make(chan queued, opts.QueueSize),
		writer:     principal.BindSystem("audit-writer"),
	}
	r.wg.Add(1)
	go r.drain()
	return r, nil
}

// Build turns an entry into an audit row attributed to scope. A nil or
// released scope yields a row with no principal.
func (r *Recorder) Build(scope *principal.Scope, e Entry) (*models.AuditRecord, error) {
	oldData, err := snapshot(e.Old)
	if err != nil {
		return nil, fmt.Errorf("old snapshot: %w", err)
	}
	newData, err := snapshot(e.New)
	if err != nil {
		return nil, fmt.Errorf("new snapshot: %w", err)
	}
	rec := &models.AuditRecord{
		ID:                uuid.NewString(),
		PrincipalID:       scope.PrincipalID(),
		TableName:         e.Table,
		Operation:         e.Operation,
		OldData:           oldData,
		NewData:           newData,
		Timestamp:         r.now().UTC(),
		SuspiciousReasons: []string{},
	}
	if e.RecordID != "" {
		id := e.RecordID
		rec.RecordID = &id
	}
	if e.Duration > 0 {
		ms := e.Duration.Milliseconds()
		rec.DurationMS = &ms
	}
	if scope.Active() {
		client := scope.Client()
		rec.IPAddress = optional(r.redactor.Redact(client.IPAddress))
		rec.UserAgent = optional(r.redactor.Redact(client.UserAgent))
		rec.SessionID = optional(client.SessionID)
	}
	return rec, nil
}

// Append writes a mutation audit row through repo, which must belong to the
// unit of work performing the mutation. An error here must abort that unit.
func (r *Recorder) Append(ctx context.Context, repo auditlog.Repository, scope *principal.Scope, e Entry) error {
	rec, err := r.Build(scope, e)
	if err != nil {
		return err
	}
	if err := repo.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	r.metrics.AuditWritten(string(e.Operation))
	return nil
}

// RecordRead queues a READ row. It never blocks and never fails the caller.
func (r *Recorder) RecordRead(scope *principal.Scope, e Entry) {
	if !r.auditReads {
		return
	}
	e.Operation = models.OpRead
	rec, err := r.Build(scope, e)
	if err != nil {
		r.logger.Warn(context.Background(), "read audit dropped", "table", e.Table, "error", err)
		r.metrics.AuditDropped()
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.AuditDropped()
		return
	}
	select {
	case r.queue <- queued{rec: rec}:
	default:
		r.logger.Warn(context.Background(), "read audit queue full, row dropped", "table", e.Table)
		r.metrics.AuditDropped()
	}
}

// RecordDenied writes a row for a rejected operation in its own unit of
// work. Failures are logged, never returned: the caller is already failing.
func (r *Recorder) RecordDenied(ctx context.Context, scope *principal.Scope, table string, op models.Operation, reason error) {
	rec, err := r.Build(scope, Entry{
		Table:     table,
		Operation: op,
		New:       map[string]any{"denied": true, "reason": DenialReason(reason)},
	})
	if err != nil {
		r.logger.Warn(ctx, "denial audit dropped", "table", table, "error", err)
		return
	}
	pred, err := r.writer.Predicate()
	if err != nil {
		return
	}
	err = r.manager.Run(context.WithoutCancel(ctx), pred, func(ctx context.Context, repos repomanager.Repositories) error {
		return repos.Audit().Append(ctx, rec)
	})
	if err != nil {
		r.logger.Warn(ctx, "denial audit failed", "table", table, "error", err)
		return
	}
	r.metrics.AuditWritten(string(op))
}

// History returns audit rows visible to scope: its own rows, or any rows
// for admin scopes.
func (r *Recorder) History(ctx context.Context, scope *principal.Scope, f auditlog.Filter) ([]*models.AuditRecord, error) {
	pred, err := scope.Predicate()
	if err != nil {
		return nil, err
	}
	var rows []*models.AuditRecord
	err = r.manager.View(ctx, pred, func(ctx context.Context, repos repomanager.Repositories) error {
		var err error
		rows, err = repos.Audit().List(ctx, pred, f)
		return err
	})
	return rows, err
}

// Rollup aggregates audit rows per principal, table, operation and UTC day
// in [from, to). Admin scopes only.
func (r *Recorder) Rollup(ctx context.Context, scope *principal.Scope, from, to time.Time) ([]models.AuditRollup, error) {
	pred, err := adminPredicate(scope)
	if err != nil {
		return nil, err
	}
	var rows []models.AuditRollup
	err = r.manager.View(ctx, pred, func(ctx context.Context, repos repomanager.Repositories) error {
		var err error
		rows, err = repos.Audit().Rollup(ctx, pred, from, to)
		return err
	})
	return rows, err
}

// Purge deletes rows older than the retention window and records the purge
// itself. Admin scopes only.
func (r *Recorder) Purge(ctx context.Context, scope *principal.Scope) (int64, error) {
	pred, err := adminPredicate(scope)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().UTC().Add(-r.retention)
	var n int64
	err = r.manager.Run(ctx, pred, func(ctx context.Context, repos repomanager.Repositories) error {
		var err error
		if n, err = repos.Audit().DeleteBefore(ctx, pred, cutoff); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return r.Append(ctx, repos.Audit(), scope, Entry{
			Table:     models.TableAudit,
			Operation: models.OpDelete,
			New:       map[string]any{"purged": n, "cutoff": cutoff},
		})
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info(ctx, "audit purge finished", "purged", n, "cutoff", cutoff)
	return n, nil
}

// Flush blocks until every READ row queued before the call has been handled.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil
	}
	select {
	case r.queue <- queued{flushed: done}:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting READ rows and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
	r.writer.Release()
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for item := range r.queue {
		batch := []*models.AuditRecord{}
		var waiters []chan struct{}
		collect := func(q queued) {
			if q.rec != nil {
				batch = append(batch, q.rec)
			}
			if q.flushed != nil {
				waiters = append(waiters, q.flushed)
			}
		}
		collect(item)
	more:
		for len(batch) < readBatch {
			select {
			case next, ok := <-r.queue:
				if !ok {
					break more
				}
				collect(next)
			default:
				break more
			}
		}
		r.writeReads(batch)
		for _, w := range waiters {
			close(w)
		}
	}
}

func (r *Recorder) writeReads(batch []*models.AuditRecord) {
	if len(batch) == 0 {
		return
	}
	ctx := context.Background()
	pred, err := r.writer.Predicate()
	if err != nil {
		return
	}
	err = r.manager.Run(ctx, pred, func(ctx context.Context, repos repomanager.Repositories) error {
		for _, rec := range batch {
			if err := repos.Audit().Append(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn(ctx, "read audit batch dropped", "rows", len(batch), "error", err)
		for range batch {
			r.metrics.AuditDropped()
		}
		return
	}
	for range batch {
		r.metrics.AuditWritten(string(models.OpRead))
	}
}

func adminPredicate(scope *principal.Scope) (principal.Predicate, error) {
	pred, err := scope.Predicate()
	if err != nil {
		return principal.Predicate{}, err
	}
	if !pred.Unrestricted() {
		return principal.Predicate{}, common.ErrAccessDenied
	}
	return pred, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DenialReason is the short label used for denial audit rows and metrics.
func DenialReason(err error) string {
	switch {
	case err == nil:
		return "denied"
	case errors.Is(err, common.ErrUnauthenticated):
		return "no_principal"
	case errors.Is(err, common.ErrOwnershipMismatch):
		return "ownership_mismatch"
	case errors.Is(err, common.ErrAccessDenied):
		return "not_admin"
	default:
		return "denied"
	}
}
