package memory

import (
	"context"
	"sort"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/messages"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

type MessageRepository struct {
	tx *Tx
}

var _ messages.Repository = (*MessageRepository)(nil)

// LockSession is a no-op: writers already hold the store lock.
func (r *MessageRepository) LockSession(_ context.Context, pred principal.Predicate, ownerID, _ string) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	return rowsec.CheckWrite(pred, ownerID)
}

func (r *MessageRepository) MaxSequence(_ context.Context, pred principal.Predicate, ownerID, sessionID string) (int64, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return 0, err
	}
	if !pred.Allows(ownerID) {
		return 0, nil
	}
	var highest int64
	for _, m := range r.tx.st.messages {
		if m.OwnerID == ownerID && m.SessionID == sessionID && m.SequenceNumber > highest {
			highest = m.SequenceNumber
		}
	}
	return highest, nil
}

func (r *MessageRepository) Insert(_ context.Context, pred principal.Predicate, m *models.Message) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if err := rowsec.CheckWrite(pred, m.OwnerID); err != nil {
		return err
	}
	if _, ok := r.tx.st.messages[m.ID]; ok {
		return common.NewStorageError("messages.insert", errDuplicateKey)
	}
	for _, existing := range r.tx.st.messages {
		if existing.OwnerID == m.OwnerID && existing.SessionID == m.SessionID && existing.SequenceNumber == m.SequenceNumber {
			return messages.ErrDuplicateSequence
		}
	}
	row := *m
	row.EncryptedPayload = cloneBytes(m.EncryptedPayload)
	r.tx.st.messages[m.ID] = row
	return nil
}

func (r *MessageRepository) List(_ context.Context, pred principal.Predicate, ownerID, sessionID string, limit int) ([]*models.Message, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	result := r.collect(pred, func(m models.Message) bool {
		return m.OwnerID == ownerID && m.SessionID == sessionID && !m.IsDeleted
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MessageRepository) SoftDeleteSession(_ context.Context, pred principal.Predicate, ownerID, sessionID string, at time.Time) ([]*models.Message, error) {
	if err := r.tx.writable(); err != nil {
		return nil, err
	}
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	return r.softDelete(pred, at, func(m models.Message) bool {
		return m.OwnerID == ownerID && m.SessionID == sessionID && !m.IsDeleted
	}), nil
}

func (r *MessageRepository) SoftDeleteOlderThan(_ context.Context, pred principal.Predicate, ownerID string, cutoff, at time.Time) ([]*models.Message, error) {
	if err := r.tx.writable(); err != nil {
		return nil, err
	}
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	return r.softDelete(pred, at, func(m models.Message) bool {
		return m.OwnerID == ownerID && m.CreatedAt.Before(cutoff) && !m.IsDeleted
	}), nil
}

func (r *MessageRepository) Sessions(_ context.Context, pred principal.Predicate, ownerID string) ([]models.SessionSummary, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	bySession := map[string]*models.SessionSummary{}
	for _, m := range r.collect(pred, func(m models.Message) bool { return m.OwnerID == ownerID && !m.IsDeleted }) {
		s, ok := bySession[m.SessionID]
		if !ok {
			s = &models.SessionSummary{SessionID: m.SessionID}
			bySession[m.SessionID] = s
		}
		s.MessageCount++
		if m.SequenceNumber > s.LastSequence {
			s.LastSequence = m.SequenceNumber
		}
		if m.CreatedAt.After(s.LastActivity) {
			s.LastActivity = m.CreatedAt
		}
	}
	result := make([]models.SessionSummary, 0, len(bySession))
	for _, s := range bySession {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastActivity.Equal(result[j].LastActivity) {
			return result[i].LastActivity.After(result[j].LastActivity)
		}
		return result[i].SessionID < result[j].SessionID
	})
	return result, nil
}

func (r *MessageRepository) Retentions(_ context.Context, pred principal.Predicate, defaultDays int) ([]messages.Retention, error) {
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return nil, err
	}
	owners := map[string]struct{}{}
	for _, m := range r.tx.st.messages {
		if !m.IsDeleted {
			owners[m.OwnerID] = struct{}{}
		}
	}
	result := make([]messages.Retention, 0, len(owners))
	for owner := range owners {
		days := defaultDays
		if c, ok := r.tx.st.contexts[owner]; ok {
			days = c.RetentionDays
		}
		result = append(result, messages.Retention{OwnerID: owner, RetentionDays: days})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OwnerID < result[j].OwnerID })
	return result, nil
}

func (r *MessageRepository) softDelete(pred principal.Predicate, at time.Time, match func(models.Message) bool) []*models.Message {
	affected := r.collect(pred, match)
	for _, m := range affected {
		m.IsDeleted = true
		deletedAt := at
		m.DeletedAt = &deletedAt
		row := *m
		row.EncryptedPayload = cloneBytes(m.EncryptedPayload)
		r.tx.st.messages[m.ID] = row
	}
	return affected
}

// collect returns copies of visible matching rows ordered by session and sequence.
func (r *MessageRepository) collect(pred principal.Predicate, match func(models.Message) bool) []*models.Message {
	var result []*models.Message
	for _, m := range r.tx.st.messages {
		if !pred.Allows(m.OwnerID) || !match(m) {
			continue
		}
		m.EncryptedPayload = cloneBytes(m.EncryptedPayload)
		result = append(result, &m)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SessionID != result[j].SessionID {
			return result[i].SessionID < result[j].SessionID
		}
		return result[i].SequenceNumber < result[j].SequenceNumber
	})
	return result
}
