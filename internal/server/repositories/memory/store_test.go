package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/messages"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userPred(t *testing.T, id string) principal.Predicate {
	t.Helper()
	s, err := principal.Bind(principal.Principal{ID: id})
	require.NoError(t, err)
	p, err := s.Predicate()
	require.NoError(t, err)
	return p
}

func systemPred(t *testing.T) principal.Predicate {
	t.Helper()
	p, err := principal.BindSystem("test").Predicate()
	require.NoError(t, err)
	return p
}

func insertRecord(t *testing.T, s *Store, owner, id string, at time.Time) {
	t.Helper()
	err := s.Update(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.Records().Insert(ctx, userPred(t, owner), &models.Record{
			ID: id, OwnerID: owner, Kind: models.KindMood, Payload: []byte(id), CreatedAt: at, UpdatedAt: at,
		})
	})
	require.NoError(t, err)
}

func TestUpdate_FailureDiscardsChanges(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")

	err := s.Update(context.Background(), func(ctx context.Context, tx *Tx) error {
		pred := userPred(t, "u1")
		require.NoError(t, tx.Records().Insert(ctx, pred, &models.Record{ID: "r1", OwnerID: "u1", Kind: models.KindMood}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(context.Background(), func(ctx context.Context, tx *Tx) error {
		_, err := tx.Records().Get(ctx, systemPred(t), "r1")
		return err
	})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpdate_CancelledContextDiscardsChanges(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.Update(ctx, func(ctx context.Context, tx *Tx) error {
		require.NoError(t, tx.Audit().Append(ctx, &models.AuditRecord{ID: "a1", Timestamp: time.Now()}))
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	err = s.View(context.Background(), func(ctx context.Context, tx *Tx) error {
		got, err := tx.Audit().List(ctx, systemPred(t), auditlog.Filter{})
		assert.Empty(t, got)
		return err
	})
	require.NoError(t, err)
}

func TestView_IsReadOnly(t *testing.T) {
	s := NewStore()
	err := s.View(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.Records().Insert(ctx, userPred(t, "u1"), &models.Record{ID: "r1", OwnerID: "u1"})
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestRecords_Isolation(t *testing.T) {
	s := NewStore()
	now := time.Now()
	insertRecord(t, s, "u1", "r1", now)
	insertRecord(t, s, "u1", "r2", now.Add(time.Second))
	insertRecord(t, s, "u2", "r3", now)

	err := s.View(context.Background(), func(ctx context.Context, tx *Tx) error {
		repo := tx.Records()

		mine, err := repo.List(ctx, userPred(t, "u1"), records.ListFilter{})
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "r2", mine[0].ID)

		_, err = repo.Get(ctx, userPred(t, "u1"), "r3")
		assert.ErrorIs(t, err, common.ErrNotFound)

		foreign, err := repo.List(ctx, userPred(t, "u1"), records.ListFilter{OwnerID: "u2"})
		require.NoError(t, err)
		assert.Empty(t, foreign)

		everything, err := repo.List(ctx, systemPred(t), records.ListFilter{})
		require.NoError(t, err)
		assert.Len(t, everything, 3)

		_, err = repo.List(ctx, principal.Predicate{}, records.ListFilter{})
		assert.ErrorIs(t, err, common.ErrNoPrincipal)
		return nil
	})
	require.NoError(t, err)
}

func TestRecords_ReturnedRowsAreCopies(t *testing.T) {
	s := NewStore()
	insertRecord(t, s, "u1", "r1", time.Now())

	err := s.View(context.Background(), func(ctx context.Context, tx *Tx) error {
		rec, err := tx.Records().Get(ctx, userPred(t, "u1"), "r1")
		require.NoError(t, err)
		rec.Payload[0] = 'X'
		again, err := tx.Records().Get(ctx, userPred(t, "u1"), "r1")
		require.NoError(t, err)
		assert.Equal(t, []byte("r1"), again.Payload)
		return nil
	})
	require.NoError(t, err)
}

func TestMessages_SequenceUniqueness(t *testing.T) {
	s := NewStore()
	pred := userPred(t, "u1")
	now := time.Now()

	err := s.Update(context.Background(), func(ctx context.Context, tx *Tx) error {
		repo := tx.Messages()
		require.NoError(t, repo.Insert(ctx, pred, &models.Message{ID: "m1", OwnerID: "u1", SessionID: "s", SequenceNumber: 1, CreatedAt: now}))
		err := repo.Insert(ctx, pred, &models.Message{ID: "m2", OwnerID: "u1", SessionID: "s", SequenceNumber: 1, CreatedAt: now})
		assert.ErrorIs(t, err, messages.ErrDuplicateSequence)

		deleted, err := repo.SoftDeleteSession(ctx, pred, "u1", "s", now)
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.True(t, deleted[0].IsDeleted)

		n, err := repo.MaxSequence(ctx, pred, "u1", "s")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		live, err := repo.List(ctx, pred, "u1", "s", 0)
		require.NoError(t, err)
		assert.Empty(t, live)
		return nil
	})
	require.NoError(t, err)
}

func TestAudit_FlagAndCount(t *testing.T) {
	s := NewStore()
	now := time.Now()
	u1 := "u1"

	err := s.Update(context.Background(), func(ctx context.Context, tx *Tx) error {
		for i := 0; i < 3; i++ {
			require.NoError(t, tx.Audit().Append(ctx, &models.AuditRecord{
				ID: string(rune('a' + i)), PrincipalID: &u1, TableName: models.TableRecords,
				Operation: models.OpRead, Timestamp: now, NewData: []byte(`{"k":1}`),
			}))
		}
		counts, err := tx.Audit().CountSince(ctx, systemPred(t), now.Add(-time.Minute), models.OpRead, 2)
		require.NoError(t, err)
		assert.Equal(t, []models.PrincipalCount{{PrincipalID: "u1", Count: 3}}, counts)

		n, err := tx.Audit().Flag(ctx, systemPred(t), "u1", now.Add(-time.Minute), "", models.ReasonRapidQueries)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = tx.Audit().Flag(ctx, systemPred(t), "u1", now.Add(-time.Minute), "", models.ReasonRapidQueries)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = tx.Audit().Flag(ctx, userPred(t, "u1"), "u1", now, "", models.ReasonBulkAccess)
		assert.ErrorIs(t, err, common.ErrAccessDenied)
		return nil
	})
	require.NoError(t, err)

	err = s.View(context.Background(), func(ctx context.Context, tx *Tx) error {
		rows, err := tx.Audit().List(ctx, userPred(t, "u1"), auditlog.Filter{SuspiciousOnly: true})
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for _, row := range rows {
			assert.Equal(t, []string{models.ReasonRapidQueries}, row.SuspiciousReasons)
			assert.JSONEq(t, `{"k":1}`, string(row.NewData))
		}

		others, err := tx.Audit().List(ctx, userPred(t, "u2"), auditlog.Filter{})
		require.NoError(t, err)
		assert.Empty(t, others)
		return nil
	})
	require.NoError(t, err)
}

func TestAudit_RollupAndDelete(t *testing.T) {
	s := NewStore()
	day := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	u1 := "u1"

	err := s.Update(context.Background(), func(ctx context.Context, tx *Tx) error {
		repo := tx.Audit()
		require.NoError(t, repo.Append(ctx, &models.AuditRecord{ID: "1", PrincipalID: &u1, TableName: "records", Operation: models.OpRead, Timestamp: day}))
		require.NoError(t, repo.Append(ctx, &models.AuditRecord{ID: "2", PrincipalID: &u1, TableName: "records", Operation: models.OpRead, Timestamp: day.Add(time.Hour)}))
		require.NoError(t, repo.Append(ctx, &models.AuditRecord{ID: "3", TableName: "audit_log", Operation: models.OpDelete, Timestamp: day.Add(24 * time.Hour)}))

		rollup, err := repo.Rollup(ctx, systemPred(t), day.Add(-time.Hour), day.Add(48*time.Hour))
		require.NoError(t, err)
		require.Len(t, rollup, 2)
		assert.Equal(t, int64(2), rollup[0].Count)
		assert.Nil(t, rollup[1].PrincipalID)

		n, err := repo.DeleteBefore(ctx, systemPred(t), day.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		return nil
	})
	require.NoError(t, err)
}

func appendAudit(t *testing.T, s *Store, owner string, fail error) error {
	t.Helper()
	return s.Update(context.Background(), func(ctx context.Context, tx *Tx) error {
		id := owner
		require.NoError(t, tx.Audit().Append(ctx, &models.AuditRecord{
			ID: owner + "-" + time.Now().String(), PrincipalID: &id, TableName: models.TableRecords,
			Operation: models.OpCreate, Timestamp: time.Now().UTC(),
		}))
		return fail
	})
}

func TestAudit_UnitsDoNotLeakIntoLiveLog(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")
	ctx := context.Background()

	require.NoError(t, appendAudit(t, s, "u1", nil))
	assert.ErrorIs(t, appendAudit(t, s, "u2", boom), boom)
	require.NoError(t, appendAudit(t, s, "u3", nil))

	var owners []string
	require.NoError(t, s.View(ctx, func(ctx context.Context, tx *Tx) error {
		rows, err := tx.Audit().List(ctx, systemPred(t), auditlog.Filter{})
		for _, r := range rows {
			owners = append(owners, r.Owner())
		}
		return err
	}))
	assert.ElementsMatch(t, []string{"u1", "u3"}, owners)

	err := s.Update(ctx, func(ctx context.Context, tx *Tx) error {
		n, err := tx.Audit().Flag(ctx, systemPred(t), "u1", time.Time{}, "", models.ReasonRapidQueries)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(ctx context.Context, tx *Tx) error {
		rows, err := tx.Audit().List(ctx, systemPred(t), auditlog.Filter{SuspiciousOnly: true})
		assert.Empty(t, rows, "rolled back flags are not visible")
		return err
	}))
}
