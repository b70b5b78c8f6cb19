package steps

import (
	"context"

	"github.com/roach88/stepflow/internal/workflow"
)

// Stage records a logical status label and proceeds.
type Stage struct{}

// Type implements Handler.
func (Stage) Type() workflow.StepType { return workflow.StepStage }

// Execute implements Handler.
func (Stage) Execute(_ context.Context, req *Request) (*Result, error) {
	label, err := requiredString(req.Step, req.Config(), "label")
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{"stage": label},
		Next:   req.Step.Next,
		Stage:  label,
	}, nil
}
