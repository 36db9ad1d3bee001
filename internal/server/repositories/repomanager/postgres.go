package repomanager

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/dbx"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/migrations"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/contexts"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/envelopes"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/messages"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/records"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

var (
	sqlOpen          = sql.Open
	connectRetries   = 10
	retryDelay       = time.Second
	pingTimeout      = 2 * time.Second
	transientRetries = 3
)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// setScopeQuery publishes the predicate to the row-level security policies
// for the current transaction only.
const setScopeQuery = `SELECT set_config('app.current_user_id', $1, true), set_config('app.is_admin', $2, true)`

// PostgresManager runs units of work on PostgreSQL through database/sql and pgx.
type PostgresManager struct {
	db *sql.DB
}

// NewPostgresManager wraps an open pool.
func NewPostgresManager(db *sql.DB) *PostgresManager {
	return &PostgresManager{db: db}
}

// Connect opens the pool and waits until the database answers a ping.
func Connect(ctx context.Context, dsn string) (*PostgresManager, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	var lastErr error
	for i := 0; i < connectRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			return NewPostgresManager(db), nil
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func (m *PostgresManager) Run(ctx context.Context, pred principal.Predicate, fn UnitFunc) error {
	return m.run(ctx, pred, nil, fn)
}

func (m *PostgresManager) View(ctx context.Context, pred principal.Predicate, fn UnitFunc) error {
	return m.run(ctx, pred, &sql.TxOptions{ReadOnly: true}, fn)
}

// run retries serialization failures and deadlocks a bounded number of times.
func (m *PostgresManager) run(ctx context.Context, pred principal.Predicate, opts *sql.TxOptions, fn UnitFunc) error {
	if !pred.Valid() {
		return common.ErrNoPrincipal
	}
	err := dbx.WithTxRetry(ctx, m.db, opts, transientRetries, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, setScopeQuery, pred.OwnerID(), strconv.FormatBool(pred.Unrestricted())); err != nil {
			return err
		}
		return fn(ctx, postgresRepositories{db: tx})
	})
	return common.NewStorageError("unit_of_work", err)
}

// RunMigrations applies the embedded goose migrations.
func (m *PostgresManager) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, m.db, ".")
}

func (m *PostgresManager) Close() error {
	return m.db.Close()
}

type postgresRepositories struct {
	db dbx.DBTX
}

func (r postgresRepositories) Records() records.Repository {
	return records.NewPostgresRepository(r.db)
}

func (r postgresRepositories) Envelopes() envelopes.Repository {
	return envelopes.NewPostgresRepository(r.db)
}

func (r postgresRepositories) Contexts() contexts.Repository {
	return contexts.NewPostgresRepository(r.db)
}

func (r postgresRepositories) Messages() messages.Repository {
	return messages.NewPostgresRepository(r.db)
}

func (r postgresRepositories) Audit() auditlog.Repository {
	return auditlog.NewPostgresRepository(r.db)
}
