package steps

import (
	"context"

	"github.com/roach88/stepflow/internal/workflow"
)

// Wait suspends until an event with a matching type and correlation key
// arrives, or until its timeout passes.
//
// Configuration:
//
//	eventType:      event type to wait for (required)
//	correlationKey: defaults to the instance's correlation key
//	timeout:        optional deadline
//
// On timeout the step routes to the "timeout" branch when present.
type Wait struct{}

// Type implements Handler.
func (Wait) Type() workflow.StepType { return workflow.StepWait }

// Execute implements Handler.
func (Wait) Execute(_ context.Context, req *Request) (*Result, error) {
	cfg := req.Config()
	eventType, err := requiredString(req.Step, cfg, "eventType")
	if err != nil {
		return nil, err
	}
	key := optionalString(cfg, "correlationKey")
	if key == "" {
		key = req.Instance.CorrelationKey
	}
	if key == "" {
		return nil, workflow.NewValidationError(req.Step.ID, "wait step needs a correlation key")
	}
	timeout, err := optionalDuration(req.Step, cfg, "timeout")
	if err != nil {
		return nil, err
	}
	return &Result{
		Suspend: &Suspend{
			Reason: workflow.SuspendEvent,
			Criteria: workflow.ResumeCriteria{
				EventType:      eventType,
				CorrelationKey: key,
			},
			Deadline: deadlineAfter(req.Now, timeout),
		},
	}, nil
}

// Resume implements Resumer.
func (Wait) Resume(_ context.Context, req *Request, in workflow.ResumeInput) (*Result, error) {
	if in.TimedOut {
		return &Result{
			Output: map[string]any{"timed_out": true},
			Next:   edge(req.Step, "timeout"),
		}, nil
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &Result{Output: payload, Next: req.Step.Next}, nil
}
