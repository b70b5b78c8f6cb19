package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/workflow"
)

type mockApprovalStore struct {
	mock.Mock
}

func (m *mockApprovalStore) CreateApproval(ctx context.Context, a *workflow.ApprovalRequest) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func approvalStep(cfg map[string]any) *workflow.Step {
	return &workflow.Step{
		ID:       "underwrite",
		Type:     workflow.StepApproval,
		Config:   cfg,
		Branches: map[string]string{"approve": "issue", "reject": "decline"},
		Next:     "after",
	}
}

func TestApproval_ExecuteCreatesRequest(t *testing.T) {
	store := &mockApprovalStore{}
	store.On("CreateApproval", mock.Anything, mock.MatchedBy(func(a *workflow.ApprovalRequest) bool {
		return a.ID == "apr-1" && a.InstanceID == "inst-1" && a.StepID == "underwrite" &&
			a.Role == "underwriter" && a.Status == workflow.ApprovalPending && a.OrgID == "org-1"
	})).Return(nil).Once()

	h := &Approval{
		Store:        store,
		IDs:          &seqIDs{prefix: "apr"},
		RoleTimeouts: map[string]time.Duration{"underwriter": 48 * time.Hour},
	}
	res, err := h.Execute(context.Background(), newRequest(t, approvalStep(map[string]any{"role": "underwriter", "title": "Approve {{$.ref}}"}), map[string]any{"ref": "Q-1"}))
	require.NoError(t, err)
	store.AssertExpectations(t)

	require.NotNil(t, res.Suspend)
	assert.Equal(t, workflow.SuspendApproval, res.Suspend.Reason)
	assert.Equal(t, workflow.ResumeCriteria{ApprovalID: "apr-1", Role: "underwriter"}, res.Suspend.Criteria)
	require.NotNil(t, res.Suspend.Deadline)
	assert.Equal(t, testNow.Add(48*time.Hour), *res.Suspend.Deadline, "role default deadline")

	created := store.Calls[0].Arguments.Get(1).(*workflow.ApprovalRequest)
	assert.Equal(t, "Approve Q-1", created.Title)
}

func TestApproval_StepTimeoutOverridesRole(t *testing.T) {
	store := &mockApprovalStore{}
	store.On("CreateApproval", mock.Anything, mock.Anything).Return(nil)

	h := &Approval{Store: store, IDs: &seqIDs{prefix: "apr"}, RoleTimeouts: map[string]time.Duration{"manager": 48 * time.Hour}}
	res, err := h.Execute(context.Background(), newRequest(t, approvalStep(map[string]any{"role": "manager", "timeout": "2d"}), nil))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(48*time.Hour), *res.Suspend.Deadline)

	res, err = h.Execute(context.Background(), newRequest(t, approvalStep(map[string]any{"role": "manager", "timeout": "90m"}), nil))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(90*time.Minute), *res.Suspend.Deadline)

	res, err = h.Execute(context.Background(), newRequest(t, approvalStep(map[string]any{"role": "clerk"}), nil))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(DefaultApprovalTimeout), *res.Suspend.Deadline, "unknown role uses the global default")
}

func TestApproval_ExecuteValidation(t *testing.T) {
	h := &Approval{Store: &mockApprovalStore{}, IDs: &seqIDs{prefix: "apr"}}

	_, err := h.Execute(context.Background(), newRequest(t, approvalStep(map[string]any{}), nil))
	assert.True(t, workflow.IsValidationError(err), "role is required")

	_, err = h.Execute(context.Background(), newRequest(t, approvalStep(map[string]any{"role": "r", "onTimeout": "escalate"}), nil))
	assert.True(t, workflow.IsValidationError(err))

	_, err = h.Execute(context.Background(), newRequest(t, approvalStep(map[string]any{"role": "r", "timeout": "soon"}), nil))
	assert.True(t, workflow.IsValidationError(err))
}

func TestApproval_StoreFailure(t *testing.T) {
	store := &mockApprovalStore{}
	store.On("CreateApproval", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	h := &Approval{Store: store, IDs: &seqIDs{prefix: "apr"}}
	_, err := h.Execute(context.Background(), newRequest(t, approvalStep(map[string]any{"role": "r"}), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestApproval_ResumeRouting(t *testing.T) {
	h := &Approval{}
	tests := []struct {
		name string
		cfg  map[string]any
		in   workflow.ResumeInput
		next string
		dec  string
	}{
		{"approved", map[string]any{"role": "r"}, workflow.ResumeInput{Decision: "approved", DecidedBy: "amy"}, "issue", "approved"},
		{"rejected", map[string]any{"role": "r"}, workflow.ResumeInput{Decision: "rejected"}, "decline", "rejected"},
		{"timeout rejects by default", map[string]any{"role": "r"}, workflow.ResumeInput{TimedOut: true}, "decline", "rejected"},
		{"timeout approves when configured", map[string]any{"role": "r", "onTimeout": "approve"}, workflow.ResumeInput{TimedOut: true}, "issue", "approved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(t, approvalStep(tt.cfg), nil)
			req.Instance.Suspension = &workflow.Suspension{StepID: "underwrite", Criteria: workflow.ResumeCriteria{ApprovalID: "apr-9"}}

			res, err := h.Resume(context.Background(), req, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.next, res.Next)

			out := res.Output.(map[string]any)
			assert.Equal(t, tt.dec, out["decision"])
			assert.Equal(t, "apr-9", out["approval_id"])
			assert.Equal(t, tt.in.TimedOut, out["timed_out"])
		})
	}
}

func TestApproval_ResumeFallsBackToNext(t *testing.T) {
	step := &workflow.Step{ID: "ok", Type: workflow.StepApproval, Config: map[string]any{"role": "r"}, Next: "after"}
	res, err := (&Approval{}).Resume(context.Background(), newRequest(t, step, nil), workflow.ResumeInput{Decision: "rejected"})
	require.NoError(t, err)
	assert.Equal(t, "after", res.Next)

	_, err = (&Approval{}).Resume(context.Background(), newRequest(t, step, nil), workflow.ResumeInput{Decision: "maybe"})
	assert.True(t, workflow.IsValidationError(err))
}
