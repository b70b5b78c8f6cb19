package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/workflow"
)

func TestCancel_WaitingInstance(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, underwritingDefinition(nil))
	f.start(t, "underwriting", "lead-7", nil)
	ctx := context.Background()

	inst, err := f.engine.Cancel(ctx, "inst-1", "customer withdrew")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCancelled, inst.Status)
	assert.Nil(t, inst.Suspension)
	require.NotNil(t, inst.EndedAt)
	require.NotNil(t, inst.ExpiresAt)

	last := inst.Activity[len(inst.Activity)-1]
	assert.Equal(t, workflow.ActivityInstanceCancelled, last.Type)
	assert.Equal(t, workflow.StatusWaiting, last.From)
	assert.Equal(t, "customer withdrew", last.Detail["reason"])

	ar, err := f.store.GetApproval(ctx, "apr-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ApprovalExpired, ar.Status, "pending approvals are closed")
}

func TestCancel_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, underwritingDefinition(nil))
	f.start(t, "underwriting", "lead-7", nil)
	ctx := context.Background()

	first, err := f.engine.Cancel(ctx, "inst-1", "")
	require.NoError(t, err)

	second, err := f.engine.Cancel(ctx, "inst-1", "again")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version, "second cancel writes nothing")
	assert.Equal(t, len(first.Activity), len(second.Activity))
}

func TestCancel_TerminalInstance(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, routingDefinition())
	f.start(t, "quote", "", map[string]any{"amount": 1})

	_, err := f.engine.Cancel(context.Background(), "inst-1", "")
	require.Error(t, err)
	assert.True(t, workflow.IsInvalidTransition(err))

	_, err = f.engine.Cancel(context.Background(), "missing", "")
	assert.True(t, workflow.IsNotFound(err))
}

func TestCancel_ThenResumeIsStale(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, documentsDefinition(""))
	inst := f.start(t, "documents", "lead-7", nil).Instance
	ctx := context.Background()

	_, err := f.engine.Cancel(ctx, inst.ID, "")
	require.NoError(t, err)

	_, err = f.engine.Resume(ctx, ResumeRequest{InstanceID: inst.ID, Token: inst.Suspension.Token})
	assert.True(t, workflow.IsStaleResume(err))

	_, err = f.engine.DecideApproval(ctx, ApprovalDecision{ApprovalID: "apr-9", Decision: "approved"})
	assert.True(t, workflow.IsNotFound(err))
}

func TestCancel_DiscardsInFlightExternalCallResult(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// The instance is cancelled while its call is in flight.
		_, err := f.engine.Cancel(r.Context(), "inst-1", "operator")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 710}`))
	}))
	defer srv.Close()

	f.deploy(t, definition("scoring",
		&workflow.Step{
			ID: "score", Type: workflow.StepExternalCall, Enabled: true,
			Config: map[string]any{"url": srv.URL + "/score", "method": "POST"},
			Next:   "done",
		},
		stage("done", "scored", ""),
	))

	out := f.start(t, "scoring", "lead-7", nil)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, workflow.StatusCancelled, out.Instance.Status)
	assert.Empty(t, out.Instance.CompletedStepIDs, "the call's result is discarded")
	assert.NotContains(t, out.Instance.StepOutputs, "score")

	stored := f.get(t, "inst-1")
	assert.Equal(t, workflow.StatusCancelled, stored.Status)
	assert.Empty(t, stored.CompletedStepIDs)
}
