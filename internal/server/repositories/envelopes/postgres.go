// Package envelopes stores client-encrypted ciphertext rows. The server never
// inspects or rewrites the ciphertext column.
package envelopes

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

const selectColumns = `SELECT id, owner_id, ciphertext, encryption_version, key_id, entry_type,
	storage_key, size_bytes, created_at, is_deleted, deleted_at FROM encrypted_envelopes`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, pred principal.Predicate, e *models.Envelope) error {
	if err := rowsec.CheckWrite(pred, e.OwnerID); err != nil {
		return err
	}
	query := `INSERT INTO encrypted_envelopes
		(id, owner_id, ciphertext, encryption_version, key_id, entry_type, storage_key, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.OwnerID, e.Ciphertext, e.EncryptionVersion, e.KeyID, e.EntryType, e.StorageKey, e.SizeBytes, e.CreatedAt)
	if err != nil {
		return common.NewStorageError("envelopes.insert", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, pred principal.Predicate, ownerID, id string) (*models.Envelope, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	query := selectColumns + ` WHERE id = $1 AND owner_id = $2 AND is_deleted = FALSE AND (owner_id = $3 OR $4)`
	e, err := scanEnvelope(r.db.QueryRowContext(ctx, query, id, ownerID, owner, all))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.NewStorageError("envelopes.get", err)
	}
	return e, nil
}

func (r *PostgresRepository) List(ctx context.Context, pred principal.Predicate, ownerID, entryType string, limit int) ([]*models.Envelope, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	query := selectColumns + ` WHERE owner_id = $1 AND is_deleted = FALSE AND (owner_id = $2 OR $3)
		AND ($4 = '' OR entry_type = $4)
		ORDER BY created_at DESC LIMIT $5`
	var lim any
	if limit > 0 {
		lim = int64(limit)
	}
	rows, err := r.db.QueryContext(ctx, query, ownerID, owner, all, entryType, lim)
	if err != nil {
		return nil, common.NewStorageError("envelopes.list", err)
	}
	defer rows.Close()

	var result []*models.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, common.NewStorageError("envelopes.list", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("envelopes.list", err)
	}
	return result, nil
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, pred principal.Predicate, ownerID, id string, at time.Time) error {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return err
	}
	query := `UPDATE encrypted_envelopes SET is_deleted = TRUE, deleted_at = $1
		WHERE id = $2 AND owner_id = $3 AND is_deleted = FALSE AND (owner_id = $4 OR $5)`
	res, err := r.db.ExecContext(ctx, query, at, id, ownerID, owner, all)
	if err != nil {
		return common.NewStorageError("envelopes.soft_delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return common.NewStorageError("envelopes.soft_delete", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrNotFound
	default:
		return common.NewStorageError("envelopes.soft_delete", fmt.Errorf("unexpected rows affected: %d", n))
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(s scanner) (*models.Envelope, error) {
	var e models.Envelope
	err := s.Scan(&e.ID, &e.OwnerID, &e.Ciphertext, &e.EncryptionVersion, &e.KeyID, &e.EntryType,
		&e.StorageKey, &e.SizeBytes, &e.CreatedAt, &e.IsDeleted, &e.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
