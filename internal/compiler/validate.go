package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/stepflow/internal/steps"
	"github.com/roach88/stepflow/internal/workflow"
)

// Validation error codes (E100-E199)
const (
	ErrDefinitionIdentity = "E101" // id and positive version required
	ErrNoSteps            = "E102" // at least one step required
	ErrEntryStepMissing   = "E103" // entry step must exist
	ErrUnknownStepType    = "E104" // step type not supported
	ErrUnknownEdgeTarget  = "E105" // next/branch/default names a missing step
	ErrMissingConfig      = "E106" // required step config absent
	ErrUnreachableStep    = "E107" // step cannot be reached from the entry
	ErrMissingBranch      = "E108" // decision or approval has no route for an outcome
	ErrInvalidDuration    = "E109" // timeout is not a duration
	ErrInvalidTrigger     = "E110" // trigger without an event type
)

// requiredConfig lists config keys each step type cannot run without.
var requiredConfig = map[workflow.StepType][]string{
	workflow.StepStage:        {"label"},
	workflow.StepDecision:     {"subject"},
	workflow.StepApproval:     {"role"},
	workflow.StepWait:         {"eventType"},
	workflow.StepExternalCall: {"url"},
}

// ValidationError represents a definition validation finding.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Warning bool   `json:"warning,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Errors drops warnings from findings.
func Errors(findings []ValidationError) []ValidationError {
	var out []ValidationError
	for _, f := range findings {
		if !f.Warning {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks a definition's graph and step configuration.
// Returns all findings (does not fail-fast), steps in order.
func Validate(def *workflow.Definition) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(def.ID) == "" || def.Version <= 0 {
		errs = append(errs, ValidationError{
			Field:   "id",
			Message: "definition needs an id and a positive version",
			Code:    ErrDefinitionIdentity,
		})
	}

	if len(def.Steps) == 0 {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: "at least one step is required",
			Code:    ErrNoSteps,
		})
		return errs
	}

	if def.Step(def.EntryStepID) == nil {
		errs = append(errs, ValidationError{
			Field:   "entry",
			Message: fmt.Sprintf("entry step %q does not exist", def.EntryStepID),
			Code:    ErrEntryStepMissing,
		})
	}

	for _, s := range orderedSteps(def) {
		errs = append(errs, validateStep(def, s)...)
	}

	for i, t := range def.Triggers {
		if strings.TrimSpace(t.EventType) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("triggers[%d].event_type", i),
				Message: "event type is required",
				Code:    ErrInvalidTrigger,
			})
		}
	}

	if def.Step(def.EntryStepID) != nil {
		reachable := reachableFrom(def, def.EntryStepID)
		for _, s := range orderedSteps(def) {
			if !reachable[s.ID] {
				errs = append(errs, ValidationError{
					Field:   "steps." + s.ID,
					Message: "step is unreachable from the entry step",
					Code:    ErrUnreachableStep,
					Warning: true,
				})
			}
		}
	}

	return errs
}

func validateStep(def *workflow.Definition, s *workflow.Step) []ValidationError {
	var errs []ValidationError
	field := "steps." + s.ID

	if !workflow.ValidStepTypes[s.Type] {
		return append(errs, ValidationError{
			Field:   field + ".type",
			Message: fmt.Sprintf("unknown step type %q", s.Type),
			Code:    ErrUnknownStepType,
		})
	}

	for _, key := range requiredConfig[s.Type] {
		if v, ok := s.Config[key]; !ok || v == nil || v == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".config." + key,
				Message: fmt.Sprintf("%s step requires %q", s.Type, key),
				Code:    ErrMissingConfig,
			})
		}
	}

	for _, target := range s.Edges() {
		if def.Step(target) == nil {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("edge to unknown step %q", target),
				Code:    ErrUnknownEdgeTarget,
			})
		}
	}

	switch s.Type {
	case workflow.StepDecision:
		if name, _ := s.Config["condition"].(string); name != "" {
			if _, ok := steps.Conditions[name]; !ok {
				errs = append(errs, ValidationError{
					Field:   field + ".config.condition",
					Message: fmt.Sprintf("unknown condition %q", name),
					Code:    ErrMissingConfig,
				})
			}
		}
		if len(s.Branches) == 0 && s.Default == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".branches",
				Message: "decision step needs branches or a default",
				Code:    ErrMissingBranch,
			})
		}
	case workflow.StepApproval:
		for _, outcome := range []string{"approve", "reject"} {
			if s.Branches[outcome] == "" && s.Next == "" {
				errs = append(errs, ValidationError{
					Field:   field + ".branches." + outcome,
					Message: fmt.Sprintf("approval step has no route for %q", outcome),
					Code:    ErrMissingBranch,
				})
			}
		}
	}

	if raw, ok := s.Config["timeout"].(string); ok && raw != "" && !strings.Contains(raw, "{{") {
		if _, err := steps.ParseDuration(raw); err != nil {
			errs = append(errs, ValidationError{
				Field:   field + ".config.timeout",
				Message: err.Error(),
				Code:    ErrInvalidDuration,
			})
		}
	}

	return errs
}

// orderedSteps returns steps sorted by Order, then id.
func orderedSteps(def *workflow.Definition) []*workflow.Step {
	out := make([]*workflow.Step, 0, len(def.Steps))
	for _, s := range def.Steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func reachableFrom(def *workflow.Definition, entry string) map[string]bool {
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		s := def.Step(id)
		if s == nil {
			continue
		}
		for _, next := range s.Edges() {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
