// Package anomaly scans the audit trail for abnormal access patterns and
// flags the offending rows. It writes nothing but the suspicion fields.
package anomaly

import (
	"context"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/metrics"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
)

const (
	DefaultRapidFireThreshold  = 100
	DefaultBulkAccessThreshold = 1000
	DefaultScanInterval        = time.Minute

	rapidFireWindow  = time.Minute
	bulkAccessWindow = 5 * time.Minute
)

type Options struct {
	RapidFireThreshold  int
	BulkAccessThreshold int
	ScanInterval        time.Duration
	Metrics             *metrics.Metrics
}

// rule flags every row of a principal in the trailing window once the
// principal has more than threshold matching rows there.
type rule struct {
	reason    string
	window    time.Duration
	operation models.Operation
	threshold int64
}

// Report summarises one scan: rows newly flagged and principals hit, per reason.
type Report struct {
	Flagged    map[string]int64
	Principals map[string][]string
}

type Detector struct {
	guard    *isolation.Guard
	logger   logging.Logger
	metrics  *metrics.Metrics
	rules    []rule
	interval time.Duration
	now      func() time.Time
}

func NewDetector(guard *isolation.Guard, logger logging.Logger, opts Options) *Detector {
	if opts.RapidFireThreshold <= 0 {
		opts.RapidFireThreshold = DefaultRapidFireThreshold
	}
	if opts.BulkAccessThreshold <= 0 {
		opts.BulkAccessThreshold = DefaultBulkAccessThreshold
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	return &Detector{
		guard:   guard,
		logger:  logger.With("module", "anomaly"),
		metrics: opts.Metrics,
		rules: []rule{
			{reason: models.ReasonRapidQueries, window: rapidFireWindow, threshold: int64(opts.RapidFireThreshold)},
			{reason: models.ReasonBulkAccess, window: bulkAccessWindow, operation: models.OpRead, threshold: int64(opts.BulkAccessThreshold)},
		},
		interval: opts.ScanInterval,
		now:      time.Now,
	}
}

// Scan evaluates every rule against the audit trail as of now, in one unit
// of work under its own system scope.
func (d *Detector) Scan(ctx context.Context, now time.Time) (Report, error) {
	scope := principal.BindSystem("anomaly-detector")
	defer scope.Release()

	report := Report{Flagged: map[string]int64{}, Principals: map[string][]string{}}
	err := d.guard.Privileged(ctx, scope, models.TableAudit, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		repo := tx.Repos.Audit()
		for _, r := range d.rules {
			since := now.Add(-r.window)
			offenders, err := repo.CountSince(ctx, tx.Pred, since, r.operation, r.threshold)
			if err != nil {
				return nil, err
			}
			for _, o := range offenders {
				n, err := repo.Flag(ctx, tx.Pred, o.PrincipalID, since, r.operation, r.reason)
				if err != nil {
					return nil, err
				}
				if n == 0 {
					continue
				}
				report.Flagged[r.reason] += n
				report.Principals[r.reason] = append(report.Principals[r.reason], o.PrincipalID)
			}
		}
		return nil, nil
	})
	if err != nil {
		return Report{}, err
	}

	for reason, ids := range report.Principals {
		d.metrics.AnomalyFlagged(reason, report.Flagged[reason])
		for _, id := range ids {
			d.logger.Warn(ctx, "suspicious activity", "reason", reason, "principal_id", id)
		}
	}
	return report, nil
}

// Run scans on every tick until ctx is done. A failed scan is logged and
// retried on the next tick.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Scan(ctx, d.now()); err != nil {
				d.metrics.ScanFailed()
				d.logger.Error(ctx, "anomaly scan failed", "error", err)
			}
		}
	}
}
