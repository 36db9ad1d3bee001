package services

import (
	"context"
	"testing"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/metrics"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/require"
)

type env struct {
	manager  repomanager.Manager
	recorder *audit.Recorder
	guard    *isolation.Guard
	metrics  *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, repomanager.NewMemoryManager())
}

func newEnvWith(t *testing.T, m repomanager.Manager) *env {
	t.Helper()
	met := metrics.New()
	rec, err := audit.NewRecorder(m, logging.Nop{}, audit.Options{AuditReads: true, Metrics: met})
	require.NoError(t, err)
	t.Cleanup(rec.Close)
	return &env{
		manager:  m,
		recorder: rec,
		guard:    isolation.NewGuard(m, rec, logging.Nop{}, met),
		metrics:  met,
	}
}

func user(t *testing.T, id string) *principal.Scope {
	t.Helper()
	s, err := principal.Bind(principal.Principal{ID: id})
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func admin(t *testing.T) *principal.Scope {
	t.Helper()
	s, err := principal.BindAdmin(principal.Principal{ID: "operator"})
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func (e *env) audit(t *testing.T, f auditlog.Filter) []*models.AuditRecord {
	t.Helper()
	require.NoError(t, e.recorder.Flush(context.Background()))
	sys := principal.BindSystem("test")
	defer sys.Release()
	rows, err := e.recorder.History(context.Background(), sys, f)
	require.NoError(t, err)
	return rows
}
