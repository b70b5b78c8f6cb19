package telemetry

import (
	"time"

	"github.com/roach88/stepflow/internal/workflow"
)

// Multi forwards every measurement to each sink in order.
type Multi []workflow.Telemetry

func (m Multi) StepExecuted(stepType workflow.StepType, outcome string, d time.Duration) {
	for _, t := range m {
		t.StepExecuted(stepType, outcome, d)
	}
}

func (m Multi) ExternalCall(method, host string, status int, d time.Duration, err error) {
	for _, t := range m {
		t.ExternalCall(method, host, status, d, err)
	}
}

func (m Multi) InstanceTransition(from, to workflow.Status) {
	for _, t := range m {
		t.InstanceTransition(from, to)
	}
}

func (m Multi) Exception(code workflow.ErrorCode, stepType workflow.StepType) {
	for _, t := range m {
		t.Exception(code, stepType)
	}
}
