package harness

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// TraceEvent is one entry of a scenario trace. Every step produces an
// invocation followed by its completion.
type TraceEvent struct {
	Type   string         `json:"type"` // "invocation" or "completion"
	Step   string         `json:"step"`
	Args   map[string]any `json:"args,omitempty"`
	Case   string         `json:"case,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Seq    int64          `json:"seq"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains all invocations and completions in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// State is the final engine, ledger and fake-module snapshot used by
	// final_state and counter assertions.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddInvocationTrace adds a step invocation to the trace.
func (r *Result) AddInvocationTrace(step string, args map[string]any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type: EventInvocation,
		Step: step,
		Args: args,
		Seq:  seq,
	})
}

// AddCompletionTrace adds a step completion to the trace.
func (r *Result) AddCompletionTrace(step, outcome string, result map[string]any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventCompletion,
		Step:   step,
		Case:   outcome,
		Result: result,
		Seq:    seq,
	})
}

// lastCase returns the case of the most recent completion of step.
func (r *Result) lastCase(step string) (string, bool) {
	for i := len(r.Trace) - 1; i >= 0; i-- {
		e := r.Trace[i]
		if e.Type == EventCompletion && e.Step == step {
			return e.Case, true
		}
	}
	return "", false
}
