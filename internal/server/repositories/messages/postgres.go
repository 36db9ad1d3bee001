// Package messages stores ordered conversation logs keyed by (owner, session).
package messages

import (
	"context"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/dbx"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

const returningColumns = `id, owner_id, session_id, sequence_number, message_type, encrypted_payload,
	token_count, created_at, is_deleted, deleted_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) LockSession(ctx context.Context, pred principal.Predicate, ownerID, sessionID string) error {
	if err := rowsec.CheckWrite(pred, ownerID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, ownerID, sessionID)
	if err != nil {
		return common.NewStorageError("messages.lock_session", err)
	}
	return nil
}

func (r *PostgresRepository) MaxSequence(ctx context.Context, pred principal.Predicate, ownerID, sessionID string) (int64, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return 0, err
	}
	query := `SELECT COALESCE(MAX(sequence_number), 0) FROM conversation_messages
		WHERE owner_id = $1 AND session_id = $2 AND (owner_id = $3 OR $4)`
	var n int64
	if err := r.db.QueryRowContext(ctx, query, ownerID, sessionID, owner, all).Scan(&n); err != nil {
		return 0, common.NewStorageError("messages.max_sequence", err)
	}
	return n, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, pred principal.Predicate, m *models.Message) error {
	if err := rowsec.CheckWrite(pred, m.OwnerID); err != nil {
		return err
	}
	query := `INSERT INTO conversation_messages
		(id, owner_id, session_id, sequence_number, message_type, encrypted_payload, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.OwnerID, m.SessionID, m.SequenceNumber,
		string(m.MessageType), m.EncryptedPayload, m.TokenCount, m.CreatedAt)
	if dbx.IsUniqueViolation(err) {
		return ErrDuplicateSequence
	}
	if err != nil {
		return common.NewStorageError("messages.insert", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, pred principal.Predicate, ownerID, sessionID string, limit int) ([]*models.Message, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	var lim any
	if limit > 0 {
		lim = int64(limit)
	}
	query := `SELECT ` + returningColumns + ` FROM conversation_messages
		WHERE owner_id = $1 AND session_id = $2 AND is_deleted = FALSE AND (owner_id = $3 OR $4)
		ORDER BY sequence_number ASC LIMIT $5`
	return r.query(ctx, "messages.list", query, ownerID, sessionID, owner, all, lim)
}

func (r *PostgresRepository) SoftDeleteSession(ctx context.Context, pred principal.Predicate, ownerID, sessionID string, at time.Time) ([]*models.Message, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	query := `UPDATE conversation_messages SET is_deleted = TRUE, deleted_at = $1
		WHERE owner_id = $2 AND session_id = $3 AND is_deleted = FALSE AND (owner_id = $4 OR $5)
		RETURNING ` + returningColumns
	return r.query(ctx, "messages.soft_delete_session", query, at, ownerID, sessionID, owner, all)
}

func (r *PostgresRepository) SoftDeleteOlderThan(ctx context.Context, pred principal.Predicate, ownerID string, cutoff, at time.Time) ([]*models.Message, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	query := `UPDATE conversation_messages SET is_deleted = TRUE, deleted_at = $1
		WHERE owner_id = $2 AND created_at < $3 AND is_deleted = FALSE AND (owner_id = $4 OR $5)
		RETURNING ` + returningColumns
	return r.query(ctx, "messages.soft_delete_older_than", query, at, ownerID, cutoff, owner, all)
}

func (r *PostgresRepository) Sessions(ctx context.Context, pred principal.Predicate, ownerID string) ([]models.SessionSummary, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	query := `SELECT session_id, COUNT(*), MAX(sequence_number), MAX(created_at) FROM conversation_messages
		WHERE owner_id = $1 AND is_deleted = FALSE AND (owner_id = $2 OR $3)
		GROUP BY session_id ORDER BY MAX(created_at) DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID, owner, all)
	if err != nil {
		return nil, common.NewStorageError("messages.sessions", err)
	}
	defer rows.Close()

	var result []models.SessionSummary
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.MessageCount, &s.LastSequence, &s.LastActivity); err != nil {
			return nil, common.NewStorageError("messages.sessions", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("messages.sessions", err)
	}
	return result, nil
}

func (r *PostgresRepository) Retentions(ctx context.Context, pred principal.Predicate, defaultDays int) ([]Retention, error) {
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return nil, err
	}
	query := `SELECT m.owner_id, COALESCE(MAX(c.retention_days), $1) FROM conversation_messages m
		LEFT JOIN user_contexts c ON c.owner_id = m.owner_id
		WHERE m.is_deleted = FALSE
		GROUP BY m.owner_id ORDER BY m.owner_id`
	rows, err := r.db.QueryContext(ctx, query, defaultDays)
	if err != nil {
		return nil, common.NewStorageError("messages.retentions", err)
	}
	defer rows.Close()

	var result []Retention
	for rows.Next() {
		var item Retention
		if err := rows.Scan(&item.OwnerID, &item.RetentionDays); err != nil {
			return nil, common.NewStorageError("messages.retentions", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("messages.retentions", err)
	}
	return result, nil
}

func (r *PostgresRepository) query(ctx context.Context, op, query string, args ...any) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.NewStorageError(op, err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		var m models.Message
		var typ string
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.SessionID, &m.SequenceNumber, &typ, &m.EncryptedPayload,
			&m.TokenCount, &m.CreatedAt, &m.IsDeleted, &m.DeletedAt); err != nil {
			return nil, common.NewStorageError(op, err)
		}
		m.MessageType = models.MessageType(typ)
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError(op, err)
	}
	return result, nil
}
