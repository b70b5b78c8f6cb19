package harness

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the instance's activity to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Instance string       // Alias of the instance under test
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Activity of the instance
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s (%s)\n", e.Type, e.Instance)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nActivity:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Type)
			if ev.StepID != "" {
				fmt.Fprintf(&buf, " %s", ev.StepID)
			}
			if len(ev.Detail) > 0 {
				fmt.Fprintf(&buf, " %v", ev.Detail)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	if _, ok := result.Instances[a.Instance]; !ok {
		return &AssertionError{
			Type:     a.Type,
			Instance: a.Instance,
			Expected: "a known instance",
			Actual:   "no instance with that name",
		}
	}
	trace := result.activityOf(a.Instance)

	switch a.Type {
	case AssertActivityContains:
		return assertActivityContains(trace, a)
	case AssertActivityOrder:
		return assertActivityOrder(trace, a)
	case AssertActivityCount:
		return assertActivityCount(trace, a)
	case AssertFinalState:
		return assertDocument(a, result.Instances[a.Instance], trace)
	case AssertApprovalState:
		approvals := result.Approvals[a.Instance]
		if len(approvals) == 0 {
			return &AssertionError{
				Type:     a.Type,
				Instance: a.Instance,
				Expected: fmt.Sprintf("an approval matching %v", a.Expect),
				Actual:   "instance has no approvals",
				Trace:    trace,
			}
		}
		return assertDocument(a, approvals[len(approvals)-1], trace)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// selects reports whether ev is an entry the assertion is about.
func selects(ev TraceEvent, a Assertion) bool {
	return ev.Type == a.Activity && (a.Step == "" || ev.StepID == a.Step)
}

func describeEntry(a Assertion) string {
	if a.Step == "" {
		return a.Activity
	}
	return a.Activity + " at " + a.Step
}

// assertActivityContains checks for an entry of the given type, step, and
// detail subset.
func assertActivityContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if !selects(ev, a) {
			continue
		}
		if len(a.Detail) == 0 || matchSubset(ev.Detail, a.Detail) {
			return nil
		}
	}

	expected := describeEntry(a)
	if len(a.Detail) > 0 {
		expected += fmt.Sprintf(" with detail %v", a.Detail)
	}
	return &AssertionError{
		Type:     AssertActivityContains,
		Instance: a.Instance,
		Expected: expected,
		Actual:   "not found in activity",
		Trace:    trace,
	}
}

// assertActivityOrder checks that activity types appear in the given
// order. Entries need not be consecutive; each expected type is matched
// after the previous match.
func assertActivityOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, want := range a.Activities {
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if ev.Type == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertActivityOrder,
				Instance: a.Instance,
				Expected: fmt.Sprintf("activities in order: %v", a.Activities),
				Actual:   fmt.Sprintf("%s missing or out of order", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertActivityCount checks that the selected entry occurs exactly Count
// times.
func assertActivityCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if selects(ev, a) {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertActivityCount,
			Instance: a.Instance,
			Expected: fmt.Sprintf("%d occurrences of %s", *a.Count, describeEntry(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertDocument matches the JSON form of doc against the expected subset.
func assertDocument(a Assertion, doc any, trace []TraceEvent) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%s: encode document: %w", a.Type, err)
	}
	var actual map[string]any
	if err := json.Unmarshal(data, &actual); err != nil {
		return fmt.Errorf("%s: decode document: %w", a.Type, err)
	}

	for k, want := range a.Expect {
		got := actual[k]
		if !matchValue(got, want) {
			return &AssertionError{
				Type:     a.Type,
				Instance: a.Instance,
				Expected: fmt.Sprintf("%s = %v", k, want),
				Actual:   fmt.Sprintf("%s = %v", k, got),
				Trace:    trace,
			}
		}
	}
	return nil
}
