package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/workflow"
)

func TestCreateInstance_SetsVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inst := createTestInstance("inst-1", "lead-7")
	require.NoError(t, s.CreateInstance(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)

	got, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, workflow.StatusRunning, got.Status)
	assert.Equal(t, "lead-7", got.CorrelationKey)
	assert.Equal(t, map[string]any{"lead_id": "lead-7"}, got.Input)
	assert.Equal(t, testNow, got.CreatedAt)
}

func TestCreateInstance_OneLiveInstancePerCorrelationKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateInstance(ctx, createTestInstance("inst-1", "lead-7")))

	dup := createTestInstance("inst-2", "lead-7")
	err := s.CreateInstance(ctx, dup)
	require.Error(t, err)
	assert.True(t, workflow.IsConcurrentModification(err))
	assert.Equal(t, int64(0), dup.Version)

	// Without a correlation key there is nothing to deduplicate on.
	require.NoError(t, s.CreateInstance(ctx, createTestInstance("inst-3", "")))
	require.NoError(t, s.CreateInstance(ctx, createTestInstance("inst-4", "")))
}

func TestCreateInstance_TerminalInstanceFreesCorrelationKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := createTestInstance("inst-1", "lead-7")
	require.NoError(t, s.CreateInstance(ctx, first))
	first.Status = workflow.StatusCompleted
	require.NoError(t, s.UpdateInstance(ctx, first))

	require.NoError(t, s.CreateInstance(ctx, createTestInstance("inst-2", "lead-7")))
}

func TestUpdateInstance_IncrementsVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inst := createTestInstance("inst-1", "lead-7")
	require.NoError(t, s.CreateInstance(ctx, inst))

	inst.Stage = "qualifying"
	require.NoError(t, s.UpdateInstance(ctx, inst))
	assert.Equal(t, int64(2), inst.Version)

	got, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "qualifying", got.Stage)
}

func TestUpdateInstance_StaleVersionConflicts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateInstance(ctx, createTestInstance("inst-1", "lead-7")))

	a, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	b, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)

	a.Stage = "a"
	require.NoError(t, s.UpdateInstance(ctx, a))

	b.Stage = "b"
	err = s.UpdateInstance(ctx, b)
	require.Error(t, err)
	assert.True(t, workflow.IsConcurrentModification(err))
	assert.Equal(t, int64(1), b.Version, "failed write leaves the version unchanged")

	got, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Stage)
}

func TestUpdateInstance_Missing(t *testing.T) {
	s := createTestStore(t)

	inst := createTestInstance("ghost", "")
	inst.Version = 1
	err := s.UpdateInstance(context.Background(), inst)
	assert.True(t, workflow.IsNotFound(err))
}

func TestGetInstance_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetInstance(context.Background(), "missing")
	assert.True(t, workflow.IsNotFound(err))
}

func TestFindActiveByCorrelation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	done := createTestInstance("inst-1", "lead-7")
	require.NoError(t, s.CreateInstance(ctx, done))
	done.Status = workflow.StatusCompleted
	require.NoError(t, s.UpdateInstance(ctx, done))

	_, err := s.FindActiveByCorrelation(ctx, "lead-intake", "lead-7")
	assert.True(t, workflow.IsNotFound(err), "terminal instances are not reused")

	require.NoError(t, s.CreateInstance(ctx, createTestInstance("inst-2", "lead-7")))

	got, err := s.FindActiveByCorrelation(ctx, "lead-intake", "lead-7")
	require.NoError(t, err)
	assert.Equal(t, "inst-2", got.ID)
}

func TestFindWaitingForEvent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	waiting := createTestInstance("inst-1", "lead-7")
	waitForEvent(waiting, "documents.received", nil)
	require.NoError(t, s.CreateInstance(ctx, waiting))

	otherKey := createTestInstance("inst-2", "lead-8")
	waitForEvent(otherKey, "documents.received", nil)
	require.NoError(t, s.CreateInstance(ctx, otherKey))

	require.NoError(t, s.CreateInstance(ctx, createTestInstance("inst-3", "lead-9")))

	got, err := s.FindWaitingForEvent(ctx, "documents.received", "lead-7")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inst-1", got[0].ID)

	got, err = s.FindWaitingForEvent(ctx, "payment.received", "lead-7")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindWaitingForEvent_ClearedOnResume(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	inst := createTestInstance("inst-1", "lead-7")
	waitForEvent(inst, "documents.received", nil)
	require.NoError(t, s.CreateInstance(ctx, inst))

	inst.Status = workflow.StatusRunning
	inst.Suspension = nil
	require.NoError(t, s.UpdateInstance(ctx, inst))

	got, err := s.FindWaitingForEvent(ctx, "documents.received", "lead-7")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindExpiredWaits(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	early := testNow.Add(time.Hour)
	late := testNow.Add(48 * time.Hour)

	a := createTestInstance("inst-a", "lead-1")
	waitForEvent(a, "documents.received", &late)
	require.NoError(t, s.CreateInstance(ctx, a))

	b := createTestInstance("inst-b", "lead-2")
	waitForEvent(b, "documents.received", &early)
	require.NoError(t, s.CreateInstance(ctx, b))

	c := createTestInstance("inst-c", "lead-3")
	waitForEvent(c, "documents.received", nil)
	require.NoError(t, s.CreateInstance(ctx, c))

	got, err := s.FindExpiredWaits(ctx, testNow, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "nothing is due yet")

	got, err = s.FindExpiredWaits(ctx, early, 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "a deadline equal to now is due")
	assert.Equal(t, "inst-b", got[0].ID)

	got, err = s.FindExpiredWaits(ctx, late.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "inst-b", got[0].ID, "oldest deadline first")
	assert.Equal(t, "inst-a", got[1].ID)

	got, err = s.FindExpiredWaits(ctx, late.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestListInstances_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"lead-1", "lead-2", "lead-3"} {
		require.NoError(t, s.CreateInstance(ctx, createTestInstance("inst-"+key, key)))
	}
	done, err := s.GetInstance(ctx, "inst-lead-2")
	require.NoError(t, err)
	done.Status = workflow.StatusCompleted
	require.NoError(t, s.UpdateInstance(ctx, done))

	all, err := s.ListInstances(ctx, workflow.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := s.ListInstances(ctx, workflow.InstanceFilter{Status: workflow.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	byKey, err := s.ListInstances(ctx, workflow.InstanceFilter{CorrelationKey: "lead-3"})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, "inst-lead-3", byKey[0].ID)

	limited, err := s.ListInstances(ctx, workflow.InstanceFilter{DefinitionID: "lead-intake", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPurgeExpired(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	expires := testNow.Add(24 * time.Hour)

	old := createTestInstance("inst-old", "lead-1")
	require.NoError(t, s.CreateInstance(ctx, old))
	require.NoError(t, s.CreateApproval(ctx, &workflow.ApprovalRequest{
		ID: "apr-1", InstanceID: "inst-old", StepID: "review", Role: "underwriter",
		Status: workflow.ApprovalPending, RequestedAt: testNow,
	}))
	old.Status = workflow.StatusCompleted
	old.ExpiresAt = &expires
	require.NoError(t, s.UpdateInstance(ctx, old))

	live := createTestInstance("inst-live", "lead-2")
	require.NoError(t, s.CreateInstance(ctx, live))

	n, err := s.PurgeExpired(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "retention window still open")

	n, err = s.PurgeExpired(ctx, expires)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetInstance(ctx, "inst-old")
	assert.True(t, workflow.IsNotFound(err))
	_, err = s.GetApproval(ctx, "apr-1")
	assert.True(t, workflow.IsNotFound(err), "approvals go with their instance")

	_, err = s.GetInstance(ctx, "inst-live")
	assert.NoError(t, err)
}
