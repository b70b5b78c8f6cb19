package steps

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/workflow"
)

func optionalString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return expr.Stringify(v)
}

func requiredString(step *workflow.Step, cfg map[string]any, key string) (string, error) {
	s := strings.TrimSpace(optionalString(cfg, key))
	if s == "" {
		return "", workflow.NewValidationError(step.ID, "%s step requires %q", step.Type, key)
	}
	return s, nil
}

// stringList accepts a single string or a list of values.
func stringList(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := expr.Stringify(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{expr.Stringify(cfg[key])}
}

// ParseDuration accepts Go durations ("90m", "48h"), day and week
// suffixes ("3d", "1w"), and plain numbers as seconds.
func ParseDuration(v any) (time.Duration, error) {
	if f, ok := v.(float64); ok {
		return time.Duration(f * float64(time.Second)), nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("duration must be a string or number, got %T", v)
	}
	s = strings.TrimSpace(s)
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if n, found := strings.CutSuffix(s, suffix); found {
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			return time.Duration(f * float64(unit)), nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// optionalDuration returns 0 when the key is absent.
func optionalDuration(step *workflow.Step, cfg map[string]any, key string) (time.Duration, error) {
	v, ok := cfg[key]
	if !ok || v == nil || v == "" {
		return 0, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, workflow.NewValidationError(step.ID, "%s: %v", key, err)
	}
	if d < 0 {
		return 0, workflow.NewValidationError(step.ID, "%s must not be negative", key)
	}
	return d, nil
}

func deadlineAfter(now time.Time, d time.Duration) *time.Time {
	if d <= 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

// edge returns the branch for key, falling back to the step's Next.
func edge(step *workflow.Step, key string) string {
	if next, ok := step.Branches[key]; ok && next != "" {
		return next
	}
	return step.Next
}
