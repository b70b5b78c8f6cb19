package engine

// StepBudget tracks handler executions within one engine invocation and
// enforces the synchronous step limit.
//
// Each Start, Advance, or Resume call gets its own budget. A run that
// exhausts it stops at a step boundary and records instance.yielded; the
// instance stays running and a later Advance picks up where it left off.
// This bounds the work of a single call and stops a looping graph from
// holding a caller forever.
type StepBudget struct {
	maxSteps int
	current  int
}

// NewStepBudget creates a budget with the given limit.
func NewStepBudget(maxSteps int) *StepBudget {
	return &StepBudget{maxSteps: maxSteps}
}

// Take consumes one step. It returns false, without consuming, once the
// limit has been reached.
func (b *StepBudget) Take() bool {
	if b.current >= b.maxSteps {
		return false
	}
	b.current++
	return true
}

// Used returns the number of steps consumed.
func (b *StepBudget) Used() int {
	return b.current
}

// MaxSteps returns the limit.
func (b *StepBudget) MaxSteps() int {
	return b.maxSteps
}
