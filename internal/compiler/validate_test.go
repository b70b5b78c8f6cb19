package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/stepflow/internal/workflow"
)

func stageStep(id string, order int, next string) *workflow.Step {
	return &workflow.Step{
		ID: id, Type: workflow.StepStage, Order: order, Enabled: true,
		Config: map[string]any{"label": id}, Next: next,
	}
}

func validDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:          "quote",
		Version:     1,
		EntryStepID: "a",
		Steps: map[string]*workflow.Step{
			"a": stageStep("a", 1, "b"),
			"b": stageStep("b", 2, ""),
		},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	assert.Empty(t, Validate(validDefinition()))
}

func TestValidate_Findings(t *testing.T) {
	tests := []struct {
		name   string
		modify func(d *workflow.Definition)
		want   []string
	}{
		{
			name:   "missing id",
			modify: func(d *workflow.Definition) { d.ID = "" },
			want:   []string{ErrDefinitionIdentity},
		},
		{
			name:   "no steps",
			modify: func(d *workflow.Definition) { d.Steps = nil },
			want:   []string{ErrNoSteps},
		},
		{
			name:   "entry missing",
			modify: func(d *workflow.Definition) { d.EntryStepID = "zzz" },
			want:   []string{ErrEntryStepMissing},
		},
		{
			name:   "unknown type",
			modify: func(d *workflow.Definition) { d.Steps["b"].Type = "teleport" },
			want:   []string{ErrUnknownStepType},
		},
		{
			name:   "edge to unknown step",
			modify: func(d *workflow.Definition) { d.Steps["b"].Next = "c" },
			want:   []string{ErrUnknownEdgeTarget},
		},
		{
			name:   "missing label",
			modify: func(d *workflow.Definition) { d.Steps["b"].Config = nil },
			want:   []string{ErrMissingConfig},
		},
		{
			name:   "unreachable",
			modify: func(d *workflow.Definition) { d.Steps["a"].Next = "" },
			want:   []string{ErrUnreachableStep},
		},
		{
			name: "decision without routes",
			modify: func(d *workflow.Definition) {
				d.Steps["b"] = &workflow.Step{
					ID: "b", Type: workflow.StepDecision, Order: 2, Enabled: true,
					Config: map[string]any{"subject": "{{input.x}}", "condition": "bogus"},
				}
			},
			want: []string{ErrMissingConfig, ErrMissingBranch},
		},
		{
			name: "approval missing reject route",
			modify: func(d *workflow.Definition) {
				d.Steps["b"] = &workflow.Step{
					ID: "b", Type: workflow.StepApproval, Order: 2, Enabled: true,
					Config:   map[string]any{"role": "underwriter"},
					Branches: map[string]string{"approve": "a"},
				}
			},
			want: []string{ErrMissingBranch},
		},
		{
			name: "bad timeout",
			modify: func(d *workflow.Definition) {
				d.Steps["b"] = &workflow.Step{
					ID: "b", Type: workflow.StepWait, Order: 2, Enabled: true,
					Config: map[string]any{"eventType": "docs.received", "timeout": "soon"},
				}
			},
			want: []string{ErrInvalidDuration},
		},
		{
			name:   "trigger without event type",
			modify: func(d *workflow.Definition) { d.Triggers = []workflow.Trigger{{}} },
			want:   []string{ErrInvalidTrigger},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.modify(def)
			assert.Equal(t, tt.want, codes(Validate(def)))
		})
	}
}

func TestValidate_ExpressionTimeoutIsNotChecked(t *testing.T) {
	def := validDefinition()
	def.Steps["b"] = &workflow.Step{
		ID: "b", Type: workflow.StepWait, Order: 2, Enabled: true,
		Config: map[string]any{"eventType": "docs.received", "timeout": "{{$.sla}}"},
	}
	assert.Empty(t, Validate(def))
}

func TestErrors_DropsWarnings(t *testing.T) {
	def := validDefinition()
	def.Steps["a"].Next = ""

	findings := Validate(def)
	assert.Len(t, findings, 1)
	assert.True(t, findings[0].Warning)
	assert.Empty(t, Errors(findings))
}

func TestValidationError_Error(t *testing.T) {
	e := ValidationError{Field: "steps.b.next", Message: "edge to unknown step \"c\"", Code: ErrUnknownEdgeTarget}
	assert.Equal(t, `[E105] steps.b.next: edge to unknown step "c"`, e.Error())
}
