package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return db, mock
}

func userPred(t *testing.T, id string) principal.Predicate {
	t.Helper()
	s, err := principal.Bind(principal.Principal{ID: id})
	require.NoError(t, err)
	p, err := s.Predicate()
	require.NoError(t, err)
	return p
}

func TestRun_SetsScopeAndCommits(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT set_config\('app.current_user_id', \$1, true\), set_config\('app.is_admin', \$2, true\)`).
		WithArgs("u1", "false").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM user_contexts`).
		WithArgs("u1", "u1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewPostgresManager(db)
	pred := userPred(t, "u1")
	err := m.Run(context.Background(), pred, func(ctx context.Context, repos Repositories) error {
		return repos.Contexts().Delete(ctx, pred, "u1")
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_SystemScopeIsAdmin(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`set_config`).WithArgs("", "true").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	pred, err := principal.BindSystem("scan").Predicate()
	require.NoError(t, err)
	err = NewPostgresManager(db).Run(context.Background(), pred, func(context.Context, Repositories) error { return nil })
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_ErrorRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`set_config`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewPostgresManager(db).Run(context.Background(), userPred(t, "u1"), func(context.Context, Repositories) error {
		return common.ErrOwnershipMismatch
	})
	assert.ErrorIs(t, err, common.ErrOwnershipMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`set_config`).WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`set_config`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	calls := 0
	err := NewPostgresManager(db).Run(context.Background(), userPred(t, "u1"), func(context.Context, Repositories) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_StorageFailureIsRetryable(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := NewPostgresManager(db).Run(context.Background(), userPred(t, "u1"), func(context.Context, Repositories) error { return nil })
	assert.ErrorIs(t, err, common.ErrStorage)
	assert.True(t, common.IsRetryable(err))
}

func TestView_ReadOnly(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`set_config`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := NewPostgresManager(db).View(context.Background(), userPred(t, "u1"), func(context.Context, Repositories) error { return nil })
	require.NoError(t, err)
}

func TestRun_ZeroPredicateNeverTouchesDB(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	err := NewPostgresManager(db).Run(context.Background(), principal.Predicate{}, func(context.Context, Repositories) error {
		t.Fatal("unit must not run")
		return nil
	})
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	assert.ErrorIs(t, err, common.ErrUnauthenticated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_Success(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	require.NoError(t, NewPostgresManager(db).RunMigrations(context.Background()))
}

func TestRunMigrations_Error(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	err := NewPostgresManager(db).RunMigrations(context.Background())
	require.EqualError(t, err, "boom")
}

func TestMemoryManager_RunAndView(t *testing.T) {
	m := NewMemoryManager()
	pred := userPred(t, "u1")

	err := m.Run(context.Background(), principal.Predicate{}, func(context.Context, Repositories) error { return nil })
	assert.ErrorIs(t, err, common.ErrNoPrincipal)

	err = m.View(context.Background(), pred, func(ctx context.Context, repos Repositories) error {
		_, err := repos.Contexts().GetByOwner(ctx, pred, "u1")
		return err
	})
	assert.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, m.RunMigrations(context.Background()))
	require.NoError(t, m.Close())
}
