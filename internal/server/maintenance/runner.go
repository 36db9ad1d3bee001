// Package maintenance runs the retention jobs: audit purge and conversation
// expiry per each user's retention setting.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/messages"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/services"
)

const DefaultInterval = time.Hour

// Report summarises one maintenance pass.
type Report struct {
	AuditPurged    int64
	MessagesPurged int
	Owners         int
}

type Runner struct {
	guard    *isolation.Guard
	recorder *audit.Recorder
	logger   logging.Logger
	interval time.Duration
	now      func() time.Time
}

func NewRunner(guard *isolation.Guard, recorder *audit.Recorder, logger logging.Logger, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		guard:    guard,
		recorder: recorder,
		logger:   logger.With("module", "maintenance"),
		interval: interval,
		now:      time.Now,
	}
}

// RunOnce purges expired audit rows, then soft-deletes each owner's messages
// older than that owner's retention. Owners without a context use the default. Owners are processed in separate units
// of work; the first error is returned after every owner was attempted.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	scope := principal.BindSystem("maintenance")
	defer scope.Release()

	var report Report
	purged, auditErr := r.recorder.Purge(ctx, scope)
	if auditErr != nil {
		r.logger.Error(ctx, "audit purge failed", "error", auditErr)
	}
	report.AuditPurged = purged

	var retentions []messages.Retention
	err := r.guard.View(ctx, scope, models.TableMessages, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		var err error
		retentions, err = tx.Repos.Messages().Retentions(ctx, tx.Pred, models.DefaultRetentionDays)
		return nil, err
	})
	if err != nil {
		return report, errors.Join(auditErr, err)
	}

	now := r.now().UTC()
	var ownerErr error
	for _, ret := range retentions {
		days := ret.RetentionDays
		if days <= 0 {
			days = models.DefaultRetentionDays
		}
		cutoff := now.AddDate(0, 0, -days)
		var n int
		err := r.guard.Privileged(ctx, scope, models.TableMessages, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
			deleted, err := tx.Repos.Messages().SoftDeleteOlderThan(ctx, tx.Pred, ret.OwnerID, cutoff, now)
			if err != nil {
				return nil, err
			}
			n = len(deleted)
			return services.MessageDeletions(deleted), nil
		})
		if err != nil {
			r.logger.Error(ctx, "message retention failed", "owner_id", ret.OwnerID, "error", err)
			if ownerErr == nil {
				ownerErr = err
			}
			continue
		}
		report.MessagesPurged += n
		report.Owners++
	}

	r.logger.Info(ctx, "maintenance finished",
		"audit_purged", report.AuditPurged, "messages_purged", report.MessagesPurged, "owners", report.Owners)
	return report, errors.Join(auditErr, ownerErr)
}

// Run calls RunOnce on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn(ctx, "maintenance pass incomplete", "error", err)
			}
		}
	}
}
