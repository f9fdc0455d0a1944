package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	r := NewResult()
	r.AddInvocationTrace("initialize", nil, 1)
	r.AddCompletionTrace("initialize", CaseOK, map[string]any{"ready": true}, 2)
	r.AddInvocationTrace("buy", map[string]any{"sku": "pro_monthly"}, 3)
	r.AddCompletionTrace("buy", CaseOK, map[string]any{"in_flight": true}, 4)
	r.AddInvocationTrace("restore", nil, 5)
	r.AddCompletionTrace("restore", "none_found", nil, 6)
	r.AddInvocationTrace("buy", map[string]any{"sku": "pro_lifetime"}, 7)
	r.AddCompletionTrace("buy", "PURCHASE_IN_PROGRESS", nil, 8)
	r.AddInvocationTrace("restore", nil, 9)
	r.AddCompletionTrace("restore", "success", nil, 10)
	r.State = map[string]any{
		"unlocks":      1,
		"finishes":     2,
		"validations":  int64(3),
		"last_error":   "",
		"entitled":     true,
		"missing_skus": []any{},
		"products":     2,
	}
	return r
}

func TestAssertTraceContains(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertTraceContains(r.Trace, Assertion{Action: "buy"}))
	assert.NoError(t, assertTraceContains(r.Trace, Assertion{Action: "buy", Args: map[string]any{"sku": "pro_lifetime"}}))

	err := assertTraceContains(r.Trace, Assertion{Action: "buy", Args: map[string]any{"sku": "pro_yearly"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Equal(t, "not found in trace", ae.Actual)
}

func TestAssertTraceOrder(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertTraceOrder(r.Trace, Assertion{Actions: []string{"initialize", "buy", "restore"}}))
	assert.NoError(t, assertTraceOrder(r.Trace, Assertion{Actions: []string{"buy", "restore", "buy", "restore"}}))

	err := assertTraceOrder(r.Trace, Assertion{Actions: []string{"restore", "initialize"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no initialize after the previous match")

	err = assertTraceOrder(r.Trace, Assertion{Actions: []string{"shutdown"}})
	require.Error(t, err)
}

func TestAssertTraceCount(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertTraceCount(r.Trace, Assertion{Action: "buy", Count: 2}))
	assert.NoError(t, assertTraceCount(r.Trace, Assertion{Action: "shutdown", Count: 0}))

	err := assertTraceCount(r.Trace, Assertion{Action: "buy", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")
}

func TestAssertCounter(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertCounter(r, Assertion{Type: AssertUnlockCount, Count: 1}))
	assert.NoError(t, assertCounter(r, Assertion{Type: AssertFinishCount, Count: 2}))
	assert.NoError(t, assertCounter(r, Assertion{Type: AssertValidateCount, Count: 3}))

	err := assertCounter(r, Assertion{Type: AssertUnlockCount, Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlocks = 1")
}

func TestAssertLastError(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertLastError(r, Assertion{}))

	err := assertLastError(r, Assertion{Code: "PURCHASE_TIMEOUT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: PURCHASE_TIMEOUT")
	assert.Contains(t, err.Error(), "Actual: no error")
}

func TestAssertRestoreStatus_UsesLastRestore(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertRestoreStatus(r, Assertion{Status: "success"}))
	assert.Error(t, assertRestoreStatus(r, Assertion{Status: "none_found"}))

	empty := NewResult()
	err := assertRestoreStatus(empty, Assertion{Status: "success"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no restore step ran")
}

func TestAssertFinalState(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, assertFinalState(r, Assertion{Expect: map[string]any{
		"entitled":     true,
		"products":     2,
		"missing_skus": []any{},
	}}))

	err := assertFinalState(r, Assertion{Expect: map[string]any{"entitled": false}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "entitled"`)

	err = assertFinalState(r, Assertion{Expect: map[string]any{"vibes": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not present in state")
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual(3, int64(3)))
	assert.True(t, stateValuesEqual(int64(3), 3))
	assert.False(t, stateValuesEqual(3, "3"))
	assert.True(t, stateValuesEqual([]any{"a", 1}, []any{"a", int64(1)}))
	assert.False(t, stateValuesEqual([]any{"a"}, []any{"a", "b"}))
	assert.True(t, stateValuesEqual(nil, nil))
	assert.False(t, stateValuesEqual(nil, false))
	assert.True(t, stateValuesEqual("connected", "connected"))
}

func TestEvaluateAssertions_CollectsFailures(t *testing.T) {
	r := sampleResult()
	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceCount, Action: "buy", Count: 2},
		{Type: AssertUnlockCount, Count: 5},
		{Type: "bogus"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "unlock_count")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}
