package workflow

import (
	"context"
	"time"
)

// Clock supplies wall-clock time. Injected so tests and scenarios can
// control deadlines.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real UTC time.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator generates unique ids for instances and approval requests.
// Implemented by engine.UUIDv7Generator (production) and
// testutil.SequenceGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// Notification is a lifecycle event pushed to the real-time sink.
type Notification struct {
	Type       ActivityType   `json:"type"`
	InstanceID string         `json:"instance_id"`
	OrgID      string         `json:"org_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Status     Status         `json:"status,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Notifier receives lifecycle notifications. Delivery is best effort:
// the engine logs returned errors and carries on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Telemetry receives measurements. All methods are best effort.
type Telemetry interface {
	// StepExecuted records one handler execution.
	StepExecuted(stepType StepType, outcome string, d time.Duration)

	// ExternalCall records one external-call attempt. status is 0 when the
	// request did not produce a response.
	ExternalCall(method, host string, status int, d time.Duration, err error)

	// InstanceTransition records a status change.
	InstanceTransition(from, to Status)

	// Exception records an error that did not propagate to a caller.
	Exception(code ErrorCode, stepType StepType)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// NopTelemetry discards measurements.
type NopTelemetry struct{}

func (NopTelemetry) StepExecuted(StepType, string, time.Duration) {}
func (NopTelemetry) ExternalCall(string, string, int, time.Duration, error) {}
func (NopTelemetry) InstanceTransition(Status, Status) {}
func (NopTelemetry) Exception(ErrorCode, StepType) {}
