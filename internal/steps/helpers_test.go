package steps

import (
	"testing"
	"time"

	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/workflow"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type seqIDs struct {
	prefix string
	n      int
}

func (g *seqIDs) Generate() string {
	g.n++
	return g.prefix + "-" + string(rune('0'+g.n))
}

func newRequest(t *testing.T, step *workflow.Step, vars map[string]any) *Request {
	t.Helper()
	if step.ID == "" {
		step.ID = "step"
	}
	inst := workflow.NewInstance("inst-1", &workflow.Definition{ID: "def", Version: 1, OrgID: "org-1", EntryStepID: step.ID}, "lead-7", nil, testNow)
	if vars != nil {
		inst.Variables = vars
	}
	return &Request{
		Step:     step,
		Instance: inst,
		Expr: &expr.Context{
			Variables: inst.Variables,
			Steps:     inst.StepOutputs,
			Input:     inst.Input,
			Now:       func() time.Time { return testNow },
		},
		Now: testNow,
	}
}
