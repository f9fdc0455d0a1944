package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventCompletion {
				fmt.Fprintf(&buf, "  [%d] %s -> %s %v\n", event.Seq, event.Step, event.Case, event.Result)
			}
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains an invocation matching
// the specified step and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == EventInvocation && event.Step == assertion.Action {
			if matchArgs(event.Args, assertion.Args) {
				return nil
			}
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if steps appear in the specified order.
// Steps don't need to be consecutive, and a step may repeat in the list:
// each entry matches the next invocation after the previous match.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, want := range assertion.Actions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Type == EventInvocation && event.Step == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", assertion.Actions),
				Actual:   fmt.Sprintf("no %s after the previous match", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the step appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.Step == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// counterKeys maps counter assertions to their snapshot field.
var counterKeys = map[string]string{
	AssertUnlockCount:   "unlocks",
	AssertFinishCount:   "finishes",
	AssertValidateCount: "validations",
}

// assertCounter compares a snapshot counter with the expected count.
func assertCounter(result *Result, assertion Assertion) error {
	key := counterKeys[assertion.Type]
	actual, ok := result.State[key]
	if !ok {
		return fmt.Errorf("%s: state has no %q counter", assertion.Type, key)
	}
	if !stateValuesEqual(assertion.Count, actual) {
		return &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("%s = %d", key, assertion.Count),
			Actual:   fmt.Sprintf("%s = %v", key, actual),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertLastError checks the final LastError code. An empty code expects
// no error.
func assertLastError(result *Result, assertion Assertion) error {
	actual, _ := result.State["last_error"].(string)
	if actual == assertion.Code {
		return nil
	}
	describe := func(code string) string {
		if code == "" {
			return "no error"
		}
		return code
	}
	return &AssertionError{
		Type:     AssertLastError,
		Expected: describe(assertion.Code),
		Actual:   describe(actual),
		Trace:    result.Trace,
	}
}

// assertRestoreStatus checks the status of the last restore step.
func assertRestoreStatus(result *Result, assertion Assertion) error {
	actual, ok := result.lastCase("restore")
	if !ok {
		return &AssertionError{
			Type:     AssertRestoreStatus,
			Expected: fmt.Sprintf("restore status %s", assertion.Status),
			Actual:   "no restore step ran",
			Trace:    result.Trace,
		}
	}
	if actual != assertion.Status {
		return &AssertionError{
			Type:     AssertRestoreStatus,
			Expected: fmt.Sprintf("restore status %s", assertion.Status),
			Actual:   fmt.Sprintf("restore status %s", actual),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertFinalState checks the final state snapshot using subset
// semantics. Fields are checked in sorted order so the first mismatch
// reported is deterministic.
func assertFinalState(result *Result, assertion Assertion) error {
	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := result.State[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in state: %v", key, stateFields(result.State)),
			}
		}

		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

func stateFields(state map[string]any) []string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares an expected value from YAML with a snapshot
// value. Integers compare across int and int64; lists compare element-wise.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if e, ok := toInt64(expected); ok {
		a, ok := toInt64(actual)
		return ok && e == a
	}

	if e, ok := expected.([]any); ok {
		a, ok := actual.([]any)
		if !ok || len(a) != len(e) {
			return false
		}
		for i := range e {
			if !stateValuesEqual(e[i], a[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(expected, actual)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// matchArgs checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !stateValuesEqual(expectedVal, actualVal) {
			return false
		}
	}
	return true
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertUnlockCount, AssertFinishCount, AssertValidateCount:
			err = assertCounter(result, assertion)
		case AssertLastError:
			err = assertLastError(result, assertion)
		case AssertRestoreStatus:
			err = assertRestoreStatus(result, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
