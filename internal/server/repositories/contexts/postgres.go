// Package contexts persists the per-owner AI interaction context. Exactly one
// row exists per owner, enforced by a unique index on owner_id.
package contexts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/dbx"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByOwner(ctx context.Context, pred principal.Predicate, ownerID string) (*models.UserContext, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, owner_id, context_version, encrypted_payload, size_bytes, last_updated, last_accessed,
		access_count, conversation_count, mood_entries_processed, dream_entries_processed,
		therapy_notes_processed, retention_days, created_at
		FROM user_contexts WHERE owner_id = $1 AND (owner_id = $2 OR $3)`
	var c models.UserContext
	err = r.db.QueryRowContext(ctx, query, ownerID, owner, all).Scan(
		&c.ID, &c.OwnerID, &c.ContextVersion, &c.EncryptedPayload, &c.SizeBytes, &c.LastUpdated, &c.LastAccessed,
		&c.AccessCount, &c.ConversationCount, &c.MoodEntriesProcessed, &c.DreamEntriesProcessed,
		&c.TherapyNotesProcessed, &c.RetentionDays, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.NewStorageError("contexts.get", err)
	}
	return &c, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, pred principal.Predicate, c *models.UserContext) (bool, error) {
	if err := rowsec.CheckWrite(pred, c.OwnerID); err != nil {
		return false, err
	}
	query := `INSERT INTO user_contexts (id, owner_id, context_version, encrypted_payload, size_bytes,
		last_updated, last_accessed, access_count, conversation_count, mood_entries_processed,
		dream_entries_processed, therapy_notes_processed, retention_days, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (owner_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.ContextVersion, c.EncryptedPayload, c.SizeBytes,
		c.LastUpdated, c.LastAccessed, c.AccessCount, c.ConversationCount, c.MoodEntriesProcessed,
		c.DreamEntriesProcessed, c.TherapyNotesProcessed, c.RetentionDays, c.CreatedAt)
	if err != nil {
		return false, common.NewStorageError("contexts.insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, common.NewStorageError("contexts.insert", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Update(ctx context.Context, pred principal.Predicate, c *models.UserContext) error {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return err
	}
	query := `UPDATE user_contexts SET context_version = $1, encrypted_payload = $2, size_bytes = $3,
		last_updated = $4, last_accessed = $5, access_count = $6, conversation_count = $7,
		mood_entries_processed = $8, dream_entries_processed = $9, therapy_notes_processed = $10,
		retention_days = $11
		WHERE owner_id = $12 AND (owner_id = $13 OR $14)`
	res, err := r.db.ExecContext(ctx, query,
		c.ContextVersion, c.EncryptedPayload, c.SizeBytes, c.LastUpdated, c.LastAccessed, c.AccessCount,
		c.ConversationCount, c.MoodEntriesProcessed, c.DreamEntriesProcessed, c.TherapyNotesProcessed,
		c.RetentionDays, c.OwnerID, owner, all)
	return expectOne("contexts.update", res, err)
}

func (r *PostgresRepository) Delete(ctx context.Context, pred principal.Predicate, ownerID string) error {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_contexts WHERE owner_id = $1 AND (owner_id = $2 OR $3)`,
		ownerID, owner, all)
	return expectOne("contexts.delete", res, err)
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
