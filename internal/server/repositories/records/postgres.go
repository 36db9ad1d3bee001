// Package records persists generic tenant rows (mood, dream, therapy and chat
// entries). Every statement is filtered by the caller's visibility predicate.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/dbx"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

const selectColumns = `SELECT id, owner_id, kind, payload, created_at, updated_at, is_deleted, deleted_at FROM records`

// PostgresRepository implements Repository over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, pred principal.Predicate, rec *models.Record) error {
	if err := rowsec.CheckWrite(pred, rec.OwnerID); err != nil {
		return err
	}
	query := `INSERT INTO records (id, owner_id, kind, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.OwnerID, string(rec.Kind), rec.Payload, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return common.NewStorageError("records.insert", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, pred principal.Predicate, id string) (*models.Record, error) {
	return r.get(ctx, pred, id, "")
}

// GetForUpdate locks the row until the surrounding transaction ends.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, pred principal.Predicate, id string) (*models.Record, error) {
	return r.get(ctx, pred, id, " FOR UPDATE")
}

func (r *PostgresRepository) get(ctx context.Context, pred principal.Predicate, id, suffix string) (*models.Record, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	query := selectColumns + ` WHERE id = $1 AND is_deleted = FALSE AND (owner_id = $2 OR $3)` + suffix
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id, owner, all))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.NewStorageError("records.get", err)
	}
	return rec, nil
}

func (r *PostgresRepository) List(ctx context.Context, pred principal.Predicate, f ListFilter) ([]*models.Record, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	query := selectColumns + ` WHERE is_deleted = FALSE AND (owner_id = $1 OR $2)
		AND ($3 = '' OR owner_id = $3) AND ($4 = '' OR kind = $4)
		ORDER BY created_at DESC LIMIT $5`
	rows, err := r.db.QueryContext(ctx, query, owner, all, f.OwnerID, string(f.Kind), limitArg(f.Limit))
	if err != nil {
		return nil, common.NewStorageError("records.list", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, common.NewStorageError("records.list", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("records.list", err)
	}
	return result, nil
}

func (r *PostgresRepository) Update(ctx context.Context, pred principal.Predicate, rec *models.Record) error {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return err
	}
	query := `UPDATE records SET payload = $1, updated_at = $2
		WHERE id = $3 AND is_deleted = FALSE AND (owner_id = $4 OR $5)`
	res, err := r.db.ExecContext(ctx, query, rec.Payload, rec.UpdatedAt, rec.ID, owner, all)
	return expectOne("records.update", res, err)
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, pred principal.Predicate, id string, at time.Time) error {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return err
	}
	query := `UPDATE records SET is_deleted = TRUE, deleted_at = $1
		WHERE id = $2 AND is_deleted = FALSE AND (owner_id = $3 OR $4)`
	res, err := r.db.ExecContext(ctx, query, at, id, owner, all)
	return expectOne("records.soft_delete", res, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var rec models.Record
	var kind string
	if err := s.Scan(&rec.ID, &rec.OwnerID, &kind, &rec.Payload, &rec.CreatedAt, &rec.UpdatedAt, &rec.IsDeleted, &rec.DeletedAt); err != nil {
		return nil, err
	}
	rec.Kind = models.RecordKind(kind)
	return &rec, nil
}

func expectOne(op string, res sql.Result, err error) error {
	if err != nil {
		return common.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return common.NewStorageError(op, err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrNotFound
	default:
		return common.NewStorageError(op, fmt.Errorf("unexpected rows affected: %d", n))
	}
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as LIMIT ALL.
func limitArg(n int) any {
	if n <= 0 {
		return nil
	}
	return int64(n)
}
