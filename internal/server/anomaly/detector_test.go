package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/repomanager"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	recorder *audit.Recorder
	guard    *isolation.Guard
	records  *services.RecordService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := repomanager.NewMemoryManager()
	rec, err := audit.NewRecorder(m, logging.Nop{}, audit.Options{AuditReads: true})
	require.NoError(t, err)
	t.Cleanup(rec.Close)
	guard := isolation.NewGuard(m, rec, logging.Nop{}, nil)
	return &fixture{recorder: rec, guard: guard, records: services.NewRecordService(guard)}
}

func bind(t *testing.T, id string) *principal.Scope {
	t.Helper()
	s, err := principal.Bind(principal.Principal{ID: id})
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func (f *fixture) create(t *testing.T, scope *principal.Scope, owner string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.records.Create(context.Background(), scope, owner, models.KindMood, []byte("m"))
		require.NoError(t, err)
	}
}

func (f *fixture) rows(t *testing.T, owner string) []*models.AuditRecord {
	t.Helper()
	require.NoError(t, f.recorder.Flush(context.Background()))
	sys := principal.BindSystem("test")
	defer sys.Release()
	rows, err := f.recorder.History(context.Background(), sys, auditlog.Filter{PrincipalID: owner})
	require.NoError(t, err)
	return rows
}

func TestScan_RapidFire(t *testing.T) {
	f := newFixture(t)
	d := NewDetector(f.guard, logging.Nop{}, Options{})
	alice, bob := bind(t, "alice"), bind(t, "bob")

	f.create(t, alice, "alice", 101)
	f.create(t, bob, "bob", 100)

	report, err := d.Scan(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(101), report.Flagged[models.ReasonRapidQueries])
	assert.Equal(t, []string{"alice"}, report.Principals[models.ReasonRapidQueries])

	rows := f.rows(t, "alice")
	require.Len(t, rows, 101)
	for _, r := range rows {
		assert.True(t, r.Suspicious)
		assert.Equal(t, []string{models.ReasonRapidQueries}, r.SuspiciousReasons)
	}
	for _, r := range f.rows(t, "bob") {
		assert.False(t, r.Suspicious)
		assert.Empty(t, r.SuspiciousReasons)
	}
}

func TestScan_OutsideWindowIgnored(t *testing.T) {
	f := newFixture(t)
	d := NewDetector(f.guard, logging.Nop{}, Options{})
	f.create(t, bind(t, "alice"), "alice", 101)

	report, err := d.Scan(context.Background(), time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, report.Flagged)
}

func TestScan_ListingCountsAsOneOperation(t *testing.T) {
	f := newFixture(t)
	seq := services.NewSequencer(f.guard, logging.Nop{}, nil)
	alice := bind(t, "alice")
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := seq.Append(ctx, alice, "alice", "s1", models.MessageUser, []byte("m"), nil)
		require.NoError(t, err)
	}
	msgs, err := seq.List(ctx, alice, "alice", "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 60)
	require.Len(t, f.rows(t, "alice"), 61)

	report, err := NewDetector(f.guard, logging.Nop{}, Options{}).Scan(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, report.Flagged)

	report, err = NewDetector(f.guard, logging.Nop{}, Options{RapidFireThreshold: 60}).Scan(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(61), report.Flagged[models.ReasonRapidQueries])
}

func TestScan_BulkAccessAccumulatesReasons(t *testing.T) {
	f := newFixture(t)
	d := NewDetector(f.guard, logging.Nop{}, Options{RapidFireThreshold: 5000, BulkAccessThreshold: 10})
	alice := bind(t, "alice")

	for i := 0; i < 11; i++ {
		f.recorder.RecordRead(alice, audit.Entry{Table: models.TableRecords, RecordID: "r1"})
	}
	f.create(t, alice, "alice", 1)
	require.NoError(t, f.recorder.Flush(context.Background()))

	report, err := d.Scan(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(11), report.Flagged[models.ReasonBulkAccess])
	assert.Zero(t, report.Flagged[models.ReasonRapidQueries])

	d2 := NewDetector(f.guard, logging.Nop{}, Options{RapidFireThreshold: 5, BulkAccessThreshold: 10})
	report, err = d2.Scan(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(12), report.Flagged[models.ReasonRapidQueries])
	assert.Zero(t, report.Flagged[models.ReasonBulkAccess], "already flagged rows are not flagged twice")

	for _, r := range f.rows(t, "alice") {
		require.True(t, r.Suspicious)
		if r.Operation == models.OpRead {
			assert.Equal(t, []string{models.ReasonBulkAccess, models.ReasonRapidQueries}, r.SuspiciousReasons)
		} else {
			assert.Equal(t, []string{models.ReasonRapidQueries}, r.SuspiciousReasons)
		}
	}
}

func TestScan_DefaultBulkThreshold(t *testing.T) {
	f := newFixture(t)
	d := NewDetector(f.guard, logging.Nop{}, Options{})
	alice := bind(t, "alice")

	for i := 0; i < 1001; i++ {
		f.recorder.RecordRead(alice, audit.Entry{Table: models.TableRecords})
	}
	require.NoError(t, f.recorder.Flush(context.Background()))

	report, err := d.Scan(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1001), report.Flagged[models.ReasonBulkAccess])
	assert.Equal(t, int64(1001), report.Flagged[models.ReasonRapidQueries])
}

func TestRun_ScansUntilCancelled(t *testing.T) {
	f := newFixture(t)
	d := NewDetector(f.guard, logging.Nop{}, Options{RapidFireThreshold: 1, ScanInterval: 10 * time.Millisecond})
	f.create(t, bind(t, "alice"), "alice", 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	sys := principal.BindSystem("test")
	defer sys.Release()
	require.Eventually(t, func() bool {
		rows, err := f.recorder.History(context.Background(), sys, auditlog.Filter{PrincipalID: "alice", SuspiciousOnly: true})
		return err == nil && len(rows) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
