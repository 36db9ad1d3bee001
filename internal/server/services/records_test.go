package services

import (
	"context"
	"testing"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordService_Lifecycle(t *testing.T) {
	e := newEnv(t)
	svc := NewRecordService(e.guard)
	ctx := context.Background()
	alice := user(t, "alice")

	rec, err := svc.Create(ctx, alice, "alice", models.KindMood, []byte("m1"))
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.OwnerID)

	got, err := svc.Get(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("m1"), got.Payload)

	updated, err := svc.Update(ctx, alice, rec.ID, []byte("m2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("m2"), updated.Payload)
	assert.Equal(t, "alice", updated.OwnerID)

	require.NoError(t, svc.Delete(ctx, alice, rec.ID))
	_, err = svc.Get(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, alice, rec.ID), common.ErrNotFound)
}

func TestRecordService_EachMutationAuditedOnce(t *testing.T) {
	e := newEnv(t)
	svc := NewRecordService(e.guard)
	ctx := context.Background()
	alice := user(t, "alice")

	rec, err := svc.Create(ctx, alice, "alice", models.KindDream, []byte("d"))
	require.NoError(t, err)
	_, err = svc.Update(ctx, alice, rec.ID, []byte("d2"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, alice, rec.ID))

	for _, op := range []models.Operation{models.OpCreate, models.OpUpdate, models.OpDelete} {
		rows := e.audit(t, auditlog.Filter{Operation: op, TableName: models.TableRecords})
		require.Len(t, rows, 1, op)
		require.NotNil(t, rows[0].RecordID)
		assert.Equal(t, rec.ID, *rows[0].RecordID)
		assert.Equal(t, "alice", rows[0].Owner())
	}
}

func TestRecordService_CrossTenant(t *testing.T) {
	e := newEnv(t)
	svc := NewRecordService(e.guard)
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")

	rec, err := svc.Create(ctx, alice, "alice", models.KindTherapy, []byte("private"))
	require.NoError(t, err)

	got, err := svc.Get(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Nil(t, got)

	_, err = svc.Update(ctx, bob, rec.ID, []byte("tampered"))
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, bob, rec.ID), common.ErrNotFound)

	_, err = svc.Create(ctx, bob, "alice", models.KindMood, []byte("forged"))
	assert.ErrorIs(t, err, common.ErrOwnershipMismatch)

	list, err := svc.List(ctx, bob, records.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	still, err := svc.Get(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("private"), still.Payload)
}

func TestRecordService_AdminReadsButDoesNotWriteAcrossOwners(t *testing.T) {
	e := newEnv(t)
	svc := NewRecordService(e.guard)
	ctx := context.Background()

	a, err := svc.Create(ctx, user(t, "alice"), "alice", models.KindMood, []byte("a"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, user(t, "bob"), "bob", models.KindChat, []byte("b"))
	require.NoError(t, err)

	op := admin(t)
	all, err := svc.List(ctx, op, records.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyBob, err := svc.List(ctx, op, records.ListFilter{OwnerID: "bob"})
	require.NoError(t, err)
	require.Len(t, onlyBob, 1)
	assert.Equal(t, "bob", onlyBob[0].OwnerID)

	mine, err := svc.List(ctx, user(t, "alice"), records.ListFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	_, err = svc.Update(ctx, op, a.ID, []byte("x"))
	assert.ErrorIs(t, err, common.ErrOwnershipMismatch)
}

func TestRecordService_Validation(t *testing.T) {
	e := newEnv(t)
	svc := NewRecordService(e.guard)

	_, err := svc.Create(context.Background(), user(t, "alice"), "alice", models.RecordKind("diary"), []byte("x"))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = svc.Create(context.Background(), nil, "alice", models.KindMood, []byte("x"))
	assert.ErrorIs(t, err, common.ErrUnauthenticated)
}

func TestRecordService_ListFiltersAndReads(t *testing.T) {
	e := newEnv(t)
	svc := NewRecordService(e.guard)
	ctx := context.Background()
	alice := user(t, "alice")

	for _, k := range []models.RecordKind{models.KindMood, models.KindMood, models.KindDream} {
		_, err := svc.Create(ctx, alice, "alice", k, []byte("p"))
		require.NoError(t, err)
	}

	moods, err := svc.List(ctx, alice, records.ListFilter{Kind: models.KindMood})
	require.NoError(t, err)
	assert.Len(t, moods, 2)

	limited, err := svc.List(ctx, alice, records.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	reads := e.audit(t, auditlog.Filter{Operation: models.OpRead})
	require.Len(t, reads, 2, "one READ per listing")
	for _, r := range reads {
		assert.Nil(t, r.RecordID)
		assert.Contains(t, string(r.NewData), `"record_ids":[`)
	}
}
