package workflow

import "fmt"

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed moves out of each status.
//
//	created → running
//	running → running | waiting | completed | failed
//	waiting → running
//	any non-terminal → cancelled
var transitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusRunning:   true,
		StatusWaiting:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusWaiting: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition moves the instance to a new status and records the change.
//
// Returns an INVALID_TRANSITION error, leaving the instance untouched, when
// the state machine does not allow the move. The recorded entry carries
// the supplied activity type so callers can distinguish, for example,
// instance.paused from instance.failed.
func (i *Instance) Transition(to Status, entry ActivityEntry) error {
	if !CanTransition(i.Status, to) {
		return NewInvalidTransitionError(i.ID, i.Status, to)
	}
	entry.From = i.Status
	entry.To = to
	i.Status = to
	i.UpdatedAt = entry.At
	i.Record(entry)
	return nil
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a string to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown instance status %q", v)
	}
	return s, nil
}
