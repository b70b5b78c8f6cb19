package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/workflow"
)

// Condition maps a resolved subject and optional comparison value to an
// outcome key.
type Condition func(subject, value any) (string, error)

// Conditions are the named conditions a decision step may use.
var Conditions = map[string]Condition{
	"truthy": func(s, _ any) (string, error) { return outcomeKey(expr.Truthy(s)), nil },
	"equals": func(s, v any) (string, error) { return outcomeKey(expr.Equal(s, v)), nil },
	"notEquals": func(s, v any) (string, error) {
		return outcomeKey(!expr.Equal(s, v)), nil
	},
	"greaterThan":    ordered(func(c int) bool { return c > 0 }),
	"greaterOrEqual": ordered(func(c int) bool { return c >= 0 }),
	"lessThan":       ordered(func(c int) bool { return c < 0 }),
	"lessOrEqual":    ordered(func(c int) bool { return c <= 0 }),
	"contains":       containsCondition,
	"in": func(s, v any) (string, error) {
		return containsCondition(v, s)
	},
	"exists": func(s, _ any) (string, error) { return outcomeKey(s != nil), nil },
	"isEmpty": func(s, _ any) (string, error) {
		switch val := s.(type) {
		case nil:
			return outcomeKey(true), nil
		case string:
			return outcomeKey(strings.TrimSpace(val) == ""), nil
		case []any:
			return outcomeKey(len(val) == 0), nil
		case map[string]any:
			return outcomeKey(len(val) == 0), nil
		}
		return outcomeKey(false), nil
	},
	"matches": func(s, v any) (string, error) {
		pattern, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("matches requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", fmt.Errorf("matches: %w", err)
		}
		return outcomeKey(re.MatchString(expr.Stringify(s))), nil
	},
	// switch routes on the subject's own value.
	"switch": func(s, _ any) (string, error) { return expr.Stringify(s), nil },
}

func outcomeKey(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func ordered(test func(int) bool) Condition {
	return func(s, v any) (string, error) {
		c, ok := expr.Compare(s, v)
		return outcomeKey(ok && test(c)), nil
	}
}

func containsCondition(hay, needle any) (string, error) {
	switch h := hay.(type) {
	case string:
		return outcomeKey(strings.Contains(h, expr.Stringify(needle))), nil
	case []any:
		for _, item := range h {
			if expr.Equal(item, needle) {
				return outcomeKey(true), nil
			}
		}
	}
	return outcomeKey(false), nil
}

// Decision routes along the branch matching a named condition's outcome.
//
// Configuration:
//
//	condition: truthy | equals | greaterThan | ... | switch (default truthy)
//	subject:   the value under test, usually an expression
//	value:     the comparison value, when the condition takes one
type Decision struct{}

// Type implements Handler.
func (Decision) Type() workflow.StepType { return workflow.StepDecision }

// Execute implements Handler.
func (Decision) Execute(_ context.Context, req *Request) (*Result, error) {
	cfg := req.Config()
	name := optionalString(cfg, "condition")
	if name == "" {
		name = "truthy"
	}
	cond, ok := Conditions[name]
	if !ok {
		return nil, workflow.NewValidationError(req.Step.ID, "unknown condition %q", name)
	}
	if _, ok := req.Step.Config["subject"]; !ok {
		return nil, workflow.NewValidationError(req.Step.ID, "decision step requires %q", "subject")
	}

	outcome, err := cond(cfg["subject"], cfg["value"])
	if err != nil {
		return nil, workflow.NewValidationError(req.Step.ID, "condition %s: %v", name, err)
	}

	next, ok := req.Step.Branches[outcome]
	if !ok || next == "" {
		next = req.Step.Default
	}
	if next == "" {
		return nil, workflow.NewUnroutableDecisionError(req.Step.ID, outcome)
	}
	return &Result{
		Output: map[string]any{"condition": name, "outcome": outcome},
		Next:   next,
	}, nil
}
