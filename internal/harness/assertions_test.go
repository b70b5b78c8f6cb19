package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/workflow"
)

func sampleResult() *Result {
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	r := NewResult()
	r.Instances["claim"] = &workflow.Instance{
		ID:               "wf-1",
		Status:           workflow.StatusCompleted,
		Stage:            "paid",
		CompletedStepIDs: []string{"intake", "review", "paid"},
		Variables:        map[string]any{"amount": float64(1200)},
		StepOutputs:      map[string]any{"review": map[string]any{"decision": "approved"}},
	}
	r.Approvals["claim"] = []*workflow.ApprovalRequest{
		{ID: "wf-2", Role: "adjuster", Status: workflow.ApprovalApproved, DecidedBy: "maria"},
	}
	r.addActivity("claim", []workflow.ActivityEntry{
		{Seq: 1, At: at, Type: workflow.ActivityInstanceCreated, To: workflow.StatusCreated},
		{Seq: 2, At: at, Type: workflow.ActivityStepStarted, StepID: "intake", Detail: map[string]any{"type": "stage"}},
		{Seq: 3, At: at, Type: workflow.ActivityApprovalRequired, StepID: "review", Detail: map[string]any{"approval_id": "wf-2", "role": "adjuster"}},
		{Seq: 4, At: at, Type: workflow.ActivityInstancePaused, StepID: "review"},
		{Seq: 5, At: at, Type: workflow.ActivityInstanceResumed, StepID: "review"},
		{Seq: 6, At: at, Type: workflow.ActivityStepStarted, StepID: "paid", Detail: map[string]any{"type": "stage"}},
		{Seq: 7, At: at, Type: workflow.ActivityInstanceCompleted, StepID: "paid"},
	})
	return r
}

func intPtr(n int) *int { return &n }

func TestEvaluateAssertions_Pass(t *testing.T) {
	assertions := []Assertion{
		{Type: AssertActivityContains, Instance: "claim", Activity: "approval.required", Detail: map[string]any{"role": "adjuster"}},
		{Type: AssertActivityContains, Instance: "claim", Activity: "step.started", Step: "paid"},
		{Type: AssertActivityOrder, Instance: "claim", Activities: []string{"instance.paused", "instance.resumed", "instance.completed"}},
		{Type: AssertActivityCount, Instance: "claim", Activity: "step.started", Count: intPtr(2)},
		{Type: AssertActivityCount, Instance: "claim", Activity: "step.failed", Count: intPtr(0)},
		{Type: AssertFinalState, Instance: "claim", Expect: map[string]any{
			"status":             "completed",
			"variables":          map[string]any{"amount": 1200},
			"completed_step_ids": []any{"intake", "review", "paid"},
			"step_outputs":       map[string]any{"review": map[string]any{"decision": "approved"}},
		}},
		{Type: AssertApprovalState, Instance: "claim", Expect: map[string]any{"status": "approved", "decided_by": "maria"}},
	}

	assert.Empty(t, EvaluateAssertions(sampleResult(), assertions))
}

func TestEvaluateAssertions_Fail(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{
			name:      "unknown instance",
			assertion: Assertion{Type: AssertFinalState, Instance: "lead", Expect: map[string]any{"status": "completed"}},
			wantErr:   "no instance with that name",
		},
		{
			name:      "missing activity",
			assertion: Assertion{Type: AssertActivityContains, Instance: "claim", Activity: "step.failed"},
			wantErr:   "step.failed",
		},
		{
			name:      "detail mismatch",
			assertion: Assertion{Type: AssertActivityContains, Instance: "claim", Activity: "approval.required", Detail: map[string]any{"role": "manager"}},
			wantErr:   "with detail map[role:manager]",
		},
		{
			name:      "order reversed",
			assertion: Assertion{Type: AssertActivityOrder, Instance: "claim", Activities: []string{"instance.resumed", "instance.paused"}},
			wantErr:   "instance.paused missing or out of order",
		},
		{
			name:      "count wrong",
			assertion: Assertion{Type: AssertActivityCount, Instance: "claim", Activity: "step.started", Step: "intake", Count: intPtr(2)},
			wantErr:   "1 occurrences",
		},
		{
			name:      "state mismatch",
			assertion: Assertion{Type: AssertFinalState, Instance: "claim", Expect: map[string]any{"stage": "denied"}},
			wantErr:   "stage = paid",
		},
		{
			name:      "approval mismatch",
			assertion: Assertion{Type: AssertApprovalState, Instance: "claim", Expect: map[string]any{"status": "expired"}},
			wantErr:   "status = approved",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestAssertionError_IncludesActivity(t *testing.T) {
	r := sampleResult()
	err := &AssertionError{
		Type:     AssertActivityCount,
		Instance: "claim",
		Expected: "1 occurrences of step.failed",
		Actual:   "0 occurrences",
		Trace:    r.activityOf("claim"),
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: activity_count (claim)")
	assert.Contains(t, msg, "[3] approval.required review")
	assert.Contains(t, msg, "[7] instance.completed paid")
}

func TestMatchValue(t *testing.T) {
	assert.True(t, matchValue(float64(3), 3))
	assert.True(t, matchValue(map[string]any{"a": 1.0, "b": "x"}, map[string]any{"a": 1}))
	assert.False(t, matchValue(map[string]any{"a": 1.0}, map[string]any{"b": 1}))
	assert.True(t, matchValue([]any{"a", 2.0}, []any{"a", 2}))
	assert.False(t, matchValue([]any{"a"}, []any{"a", "b"}))
	assert.True(t, matchValue(nil, nil))
}
