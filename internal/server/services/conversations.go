package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/metrics"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/messages"
	"github.com/google/uuid"
)

// appendAttempts bounds retries after a sequence collision.
const appendAttempts = 5

// Sequencer appends conversation messages with gap-free, strictly increasing
// sequence numbers per (owner, session).
type Sequencer struct {
	guard   *isolation.Guard
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewSequencer(guard *isolation.Guard, logger logging.Logger, m *metrics.Metrics) *Sequencer {
	return &Sequencer{
		guard:   guard,
		logger:  logger.With("module", "conversations"),
		metrics: m,
		now:     time.Now,
	}
}

// Append stores one message and returns its sequence number. Numbers start
// at 1 and continue after soft-deleted messages.
func (s *Sequencer) Append(ctx context.Context, scope *principal.Scope, ownerID, sessionID string, messageType models.MessageType,
	payload []byte, tokenCount *int) (int64, error) {
	if sessionID == "" || !messageType.Valid() || len(payload) == 0 {
		return 0, common.ErrInvalidArgument
	}
	if err := s.guard.CheckOwner(ctx, scope, models.TableMessages, models.OpCreate, ownerID); err != nil {
		return 0, err
	}

	var seq int64
	for attempt := 1; ; attempt++ {
		msg := &models.Message{
			ID:               uuid.NewString(),
			OwnerID:          ownerID,
			SessionID:        sessionID,
			MessageType:      messageType,
			EncryptedPayload: append([]byte(nil), payload...),
			TokenCount:       tokenCount,
			CreatedAt:        s.now().UTC(),
		}
		err := s.guard.Mutate(ctx, scope, models.TableMessages, models.OpCreate, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
			repo := tx.Repos.Messages()
			if err := repo.LockSession(ctx, tx.Pred, ownerID, sessionID); err != nil {
				return nil, err
			}
			highest, err := repo.MaxSequence(ctx, tx.Pred, ownerID, sessionID)
			if err != nil {
				return nil, err
			}
			msg.SequenceNumber = highest + 1
			if err := repo.Insert(ctx, tx.Pred, msg); err != nil {
				return nil, err
			}
			return []audit.Entry{{Operation: models.OpCreate, RecordID: msg.ID, New: msg.Snapshot()}}, nil
		})
		if err == nil {
			seq = msg.SequenceNumber
			break
		}
		if !errors.Is(err, messages.ErrDuplicateSequence) || attempt == appendAttempts {
			return 0, err
		}
		s.metrics.SequenceRetried()
		s.logger.Debug(ctx, "sequence collision, retrying", "session_id", sessionID, "attempt", attempt)
	}
	return seq, nil
}

// List returns live messages of a session in sequence order.
func (s *Sequencer) List(ctx context.Context, scope *principal.Scope, ownerID, sessionID string, limit int) ([]*models.Message, error) {
	var rows []*models.Message
	err := s.guard.View(ctx, scope, models.TableMessages, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		found, err := tx.Repos.Messages().List(ctx, tx.Pred, ownerID, sessionID, limit)
		if err != nil {
			return nil, err
		}
		rows = isolation.Visible(ctx, tx, found)
		ids := make([]string, 0, len(rows))
		for _, m := range rows {
			ids = append(ids, m.ID)
		}
		return []audit.Entry{audit.ListRead(ids)}, nil
	})
	return rows, err
}

// Sessions lists ownerID's sessions that still have live messages.
func (s *Sequencer) Sessions(ctx context.Context, scope *principal.Scope, ownerID string) ([]models.SessionSummary, error) {
	var sessions []models.SessionSummary
	err := s.guard.View(ctx, scope, models.TableMessages, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		var err error
		if !tx.Pred.Allows(ownerID) {
			return nil, nil
		}
		sessions, err = tx.Repos.Messages().Sessions(ctx, tx.Pred, ownerID)
		if err != nil {
			return nil, err
		}
		return []audit.Entry{{New: map[string]any{"owner_id": ownerID, "sessions": len(sessions)}}}, nil
	})
	return sessions, err
}

// SoftDeleteSession marks every live message of a session deleted and
// returns how many were affected.
func (s *Sequencer) SoftDeleteSession(ctx context.Context, scope *principal.Scope, ownerID, sessionID string) (int, error) {
	if err := s.guard.CheckOwner(ctx, scope, models.TableMessages, models.OpDelete, ownerID); err != nil {
		return 0, err
	}
	var n int
	err := s.guard.Mutate(ctx, scope, models.TableMessages, models.OpDelete, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		deleted, err := tx.Repos.Messages().SoftDeleteSession(ctx, tx.Pred, ownerID, sessionID, s.now().UTC())
		if err != nil {
			return nil, err
		}
		n = len(deleted)
		return MessageDeletions(deleted), nil
	})
	return n, err
}

// PurgeOlderThan soft-deletes ownerID's messages older than days.
func (s *Sequencer) PurgeOlderThan(ctx context.Context, scope *principal.Scope, ownerID string, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", common.ErrInvalidArgument)
	}
	if err := s.guard.CheckOwner(ctx, scope, models.TableMessages, models.OpDelete, ownerID); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -days)
	var n int
	err := s.guard.Mutate(ctx, scope, models.TableMessages, models.OpDelete, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		deleted, err := tx.Repos.Messages().SoftDeleteOlderThan(ctx, tx.Pred, ownerID, cutoff, now)
		if err != nil {
			return nil, err
		}
		n = len(deleted)
		return MessageDeletions(deleted), nil
	})
	return n, err
}

// MessageDeletions builds one DELETE audit entry per soft-deleted message.
func MessageDeletions(rows []*models.Message) []audit.Entry {
	entries := make([]audit.Entry, 0, len(rows))
	for _, m := range rows {
		entries = append(entries, audit.Entry{Operation: models.OpDelete, RecordID: m.ID, New: m.Snapshot()})
	}
	return entries
}
