package isolation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/records"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	guard    *Guard
	manager  *repomanager.MemoryManager
	recorder *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := repomanager.NewMemoryManager()
	rec, err := audit.NewRecorder(m, logging.Nop{}, audit.Options{AuditReads: true})
	require.NoError(t, err)
	t.Cleanup(rec.Close)
	return &fixture{guard: NewGuard(m, rec, logging.Nop{}, nil), manager: m, recorder: rec}
}

func bind(t *testing.T, id string) *principal.Scope {
	t.Helper()
	s, err := principal.Bind(principal.Principal{ID: id})
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func (f *fixture) create(t *testing.T, scope *principal.Scope, rec *models.Record) error {
	t.Helper()
	return f.guard.Mutate(context.Background(), scope, models.TableRecords, models.OpCreate,
		func(ctx context.Context, tx Tx) ([]audit.Entry, error) {
			if err := tx.Repos.Records().Insert(ctx, tx.Pred, rec); err != nil {
				return nil, err
			}
			return []audit.Entry{{Operation: models.OpCreate, RecordID: rec.ID, New: rec.Snapshot()}}, nil
		})
}

func (f *fixture) get(scope *principal.Scope, id string) (*models.Record, error) {
	var out *models.Record
	err := f.guard.View(context.Background(), scope, models.TableRecords, func(ctx context.Context, tx Tx) ([]audit.Entry, error) {
		rec, err := tx.Repos.Records().Get(ctx, tx.Pred, id)
		if err != nil {
			return nil, err
		}
		out, err = VisibleOne(ctx, tx, rec)
		return []audit.Entry{{RecordID: id}}, err
	})
	return out, err
}

func (f *fixture) list(scope *principal.Scope) ([]*models.Record, error) {
	var out []*models.Record
	err := f.guard.View(context.Background(), scope, models.TableRecords, func(ctx context.Context, tx Tx) ([]audit.Entry, error) {
		rows, err := tx.Repos.Records().List(ctx, tx.Pred, records.ListFilter{})
		out = Visible(ctx, tx, rows)
		return []audit.Entry{{New: map[string]any{"rows": len(out)}}}, err
	})
	return out, err
}

func (f *fixture) auditRows(t *testing.T, filter auditlog.Filter) []*models.AuditRecord {
	t.Helper()
	require.NoError(t, f.recorder.Flush(context.Background()))
	admin := principal.BindSystem("test")
	defer admin.Release()
	rows, err := f.recorder.History(context.Background(), admin, filter)
	require.NoError(t, err)
	return rows
}

func record(id, owner string) *models.Record {
	now := time.Now().UTC()
	return &models.Record{ID: id, OwnerID: owner, Kind: models.KindMood, Payload: []byte("secret-" + owner), CreatedAt: now, UpdatedAt: now}
}

func TestCrossTenantReadIsNotFound(t *testing.T) {
	f := newFixture(t)
	p, q := bind(t, "p"), bind(t, "q")
	require.NoError(t, f.create(t, p, record("r1", "p")))

	got, err := f.get(q, "r1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Nil(t, got)

	rows, err := f.list(q)
	require.NoError(t, err)
	assert.Empty(t, rows)

	own, err := f.get(p, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-p"), own.Payload)
}

func TestWriteForAnotherOwnerIsRejectedAndRolledBack(t *testing.T) {
	f := newFixture(t)
	p := bind(t, "p")

	err := f.create(t, p, record("r1", "q"))
	assert.ErrorIs(t, err, common.ErrOwnershipMismatch)

	admin := principal.BindSystem("test")
	defer admin.Release()
	_, err = f.get(admin, "r1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	creates := f.auditRows(t, auditlog.Filter{Operation: models.OpCreate})
	require.Len(t, creates, 1, "only the denial row")
	assert.Contains(t, string(creates[0].NewData), "ownership_mismatch")
}

func TestNoPrincipalFailsClosed(t *testing.T) {
	f := newFixture(t)
	p := bind(t, "p")
	require.NoError(t, f.create(t, p, record("r1", "p")))

	released, err := principal.Bind(principal.Principal{ID: "p"})
	require.NoError(t, err)
	released.Release()

	for name, scope := range map[string]*principal.Scope{"nil": nil, "released": released} {
		t.Run(name, func(t *testing.T) {
			called := false
			err := f.guard.View(context.Background(), scope, models.TableRecords, func(context.Context, Tx) ([]audit.Entry, error) {
				called = true
				return nil, nil
			})
			assert.ErrorIs(t, err, common.ErrAccessDenied)
			assert.ErrorIs(t, err, common.ErrUnauthenticated)
			assert.False(t, called)

			err = f.create(t, scope, record("r-"+name, "p"))
			assert.ErrorIs(t, err, common.ErrAccessDenied)
		})
	}

	admin := principal.BindSystem("test")
	defer admin.Release()
	rows, err := f.list(admin)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "no mutation applied without a principal")
}

func TestAdminReadsAcrossOwners(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.create(t, bind(t, "p"), record("r1", "p")))
	require.NoError(t, f.create(t, bind(t, "q"), record("r2", "q")))

	admin, err := principal.BindAdmin(principal.Principal{ID: "ops"})
	require.NoError(t, err)
	defer admin.Release()

	all, err := f.list(admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.list(bind(t, "p"))
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "p", mine[0].OwnerID)
}

func TestAdminClaimOnNormalBindIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.create(t, bind(t, "q"), record("r2", "q")))

	s, err := principal.Bind(principal.Principal{ID: "p", IsAdmin: true})
	require.NoError(t, err)
	defer s.Release()

	rows, err := f.list(s)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMutationAuditedInSameUnit(t *testing.T) {
	f := newFixture(t)
	p := bind(t, "p")
	require.NoError(t, f.create(t, p, record("r1", "p")))

	rows := f.auditRows(t, auditlog.Filter{Operation: models.OpCreate})
	require.Len(t, rows, 1)
	assert.Equal(t, "p", rows[0].Owner())
	require.NotNil(t, rows[0].RecordID)
	assert.Equal(t, "r1", *rows[0].RecordID)
	assert.NotContains(t, string(rows[0].NewData), "secret")
	assert.NotNil(t, rows[0].DurationMS)
}

func TestReadsAuditedAsynchronously(t *testing.T) {
	f := newFixture(t)
	p := bind(t, "p")
	require.NoError(t, f.create(t, p, record("r1", "p")))

	for i := 0; i < 3; i++ {
		_, err := f.get(p, "r1")
		require.NoError(t, err)
	}
	reads := f.auditRows(t, auditlog.Filter{Operation: models.OpRead})
	assert.Len(t, reads, 3)
}

type failingAudit struct {
	auditlog.Repository
}

func (failingAudit) Append(context.Context, *models.AuditRecord) error {
	return &common.StorageError{Op: "audit.append", Err: errors.New("audit store down")}
}

type faultyRepos struct {
	repomanager.Repositories
}

func (r faultyRepos) Audit() auditlog.Repository { return failingAudit{r.Repositories.Audit()} }

type faultyManager struct {
	*repomanager.MemoryManager
}

func (m faultyManager) Run(ctx context.Context, pred principal.Predicate, fn repomanager.UnitFunc) error {
	return m.MemoryManager.Run(ctx, pred, func(ctx context.Context, repos repomanager.Repositories) error {
		return fn(ctx, faultyRepos{repos})
	})
}

func TestAuditFailureRollsBackMutation(t *testing.T) {
	f := newFixture(t)
	faulty := NewGuard(faultyManager{f.manager}, f.recorder, logging.Nop{}, nil)
	p := bind(t, "p")

	err := faulty.Mutate(context.Background(), p, models.TableRecords, models.OpCreate, func(ctx context.Context, tx Tx) ([]audit.Entry, error) {
		rec := record("r1", "p")
		if err := tx.Repos.Records().Insert(ctx, tx.Pred, rec); err != nil {
			return nil, err
		}
		return []audit.Entry{{Operation: models.OpCreate, RecordID: rec.ID}}, nil
	})
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))

	_, err = f.get(p, "r1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCancellationBeforeCommitRollsBack(t *testing.T) {
	f := newFixture(t)
	p := bind(t, "p")
	ctx, cancel := context.WithCancel(context.Background())

	err := f.guard.Mutate(ctx, p, models.TableRecords, models.OpCreate, func(ctx context.Context, tx Tx) ([]audit.Entry, error) {
		rec := record("r1", "p")
		if err := tx.Repos.Records().Insert(ctx, tx.Pred, rec); err != nil {
			return nil, err
		}
		cancel()
		return []audit.Entry{{Operation: models.OpCreate, RecordID: rec.ID}}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.get(p, "r1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Empty(t, f.auditRows(t, auditlog.Filter{Operation: models.OpCreate}))
}

func TestCheckOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.guard.CheckOwner(ctx, bind(t, "p"), models.TableRecords, models.OpCreate, "p"))
	assert.ErrorIs(t, f.guard.CheckOwner(ctx, bind(t, "p"), models.TableRecords, models.OpCreate, "q"), common.ErrOwnershipMismatch)
	assert.ErrorIs(t, f.guard.CheckOwner(ctx, nil, models.TableRecords, models.OpCreate, "p"), common.ErrUnauthenticated)

	admin, err := principal.BindAdmin(principal.Principal{ID: "ops"})
	require.NoError(t, err)
	defer admin.Release()
	assert.ErrorIs(t, f.guard.CheckOwner(ctx, admin, models.TableRecords, models.OpUpdate, "p"), common.ErrOwnershipMismatch)
}

func TestPrivilegedRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	noop := func(context.Context, Tx) ([]audit.Entry, error) { return nil, nil }

	assert.ErrorIs(t, f.guard.Privileged(context.Background(), bind(t, "p"), models.TableAudit, noop), common.ErrAccessDenied)
	assert.ErrorIs(t, f.guard.Privileged(context.Background(), nil, models.TableAudit, noop), common.ErrUnauthenticated)

	system := principal.BindSystem("maintenance")
	defer system.Release()
	require.NoError(t, f.guard.Privileged(context.Background(), system, models.TableAudit, noop))
}

type leakyRow struct{ owner string }

func (r leakyRow) Owner() string { return r.owner }

func TestVisibleDropsForeignRows(t *testing.T) {
	s := bind(t, "p")
	pred, err := s.Predicate()
	require.NoError(t, err)
	tx := Tx{Pred: pred, logger: logging.Nop{}}

	kept := Visible(context.Background(), tx, []leakyRow{{"p"}, {"q"}, {""}, {"p"}})
	assert.Equal(t, []leakyRow{{"p"}, {"p"}}, kept)

	_, err = VisibleOne(context.Background(), tx, leakyRow{"q"})
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.Empty(t, Visible(context.Background(), Tx{}, []leakyRow{{"p"}}))
}

func TestViewFoldsEntriesIntoOneRead(t *testing.T) {
	f := newFixture(t)
	p := bind(t, "p")
	require.NoError(t, f.create(t, p, record("r1", "p")))
	require.NoError(t, f.create(t, p, record("r2", "p")))

	err := f.guard.View(context.Background(), p, models.TableRecords, func(ctx context.Context, tx Tx) ([]audit.Entry, error) {
		return []audit.Entry{{RecordID: "r1"}, {RecordID: "r2"}}, nil
	})
	require.NoError(t, err)

	reads := f.auditRows(t, auditlog.Filter{Operation: models.OpRead})
	require.Len(t, reads, 1)
	assert.Nil(t, reads[0].RecordID)
	assert.Equal(t, models.TableRecords, reads[0].TableName)
	assert.JSONEq(t, `{"count":2,"record_ids":["r1","r2"]}`, string(reads[0].NewData))
}
