package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/config"
	"github.com/roach88/iapsync/internal/engine"
	"github.com/roach88/iapsync/internal/entitlement"
	"github.com/roach88/iapsync/internal/offering"
	"github.com/roach88/iapsync/internal/store"
	"github.com/roach88/iapsync/internal/testutil"
)

// Epoch is the fake clock's start time for every scenario.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// CaseOK is the completion case of a step that returned no error.
const CaseOK = "ok"

// Harness is the scenario execution environment.
type Harness struct {
	platform  billing.Platform
	manager   *engine.Manager
	billing   *testutil.FakeBilling
	validator *testutil.ScriptedValidator
	cache     *testutil.MemoryCache
	ledger    *store.Store
	clock     *testutil.FakeClock
	logger    *slog.Logger
	seq       int64
}

// Option configures a harness run.
type Option func(*Harness)

// WithLogger routes engine logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create a fresh in-memory ledger and scripted fakes
// 2. Execute setup steps
// 3. Execute flow steps, checking expect clauses
// 4. Snapshot final state and evaluate assertions
//
// The returned error reports a malformed scenario or an infrastructure
// failure; failed expectations are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	platform, err := scenario.platform()
	if err != nil {
		return nil, err
	}

	ledger, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer ledger.Close()

	offerings, err := rawOfferings(scenario.Offerings)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		platform:  platform,
		billing:   testutil.NewFakeBilling(offerings...),
		validator: testutil.NewScriptedValidator(verdicts(scenario.Server)...),
		cache:     testutil.NewMemoryCache(),
		ledger:    ledger,
		clock:     testutil.NewFakeClock(Epoch),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if scenario.Receipt != "" {
		h.billing.SetReceipt(scenario.Receipt, nil)
	}

	var module any = h.billing
	switch scenario.Module {
	case ModuleLegacy:
		module = h.billing.Legacy()
	case ModuleFetchOnly:
		module = h.billing.FetchOnly()
	}

	h.manager = engine.New(engine.Deps{
		Module:     module,
		Validator:  h.validator,
		Cache:      h.cache,
		Ledger:     ledger,
		Config:     scenarioConfig(scenario, platform),
		Clock:      h.clock,
		AttemptIDs: testutil.NewSequenceIDs("attempt"),
	}, engine.WithLogger(h.logger))

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	result.State = h.snapshot(ctx)
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(s *Scenario, platform billing.Platform) config.Config {
	cfg := config.Default()
	cfg.Platform = platform
	cfg.Development = s.Development
	cfg.DatabasePath = ":memory:"
	for _, sku := range s.SKUs {
		cfg.SKUs = append(cfg.SKUs, config.SKU{ID: sku.ID, Type: offering.Type(sku.Type)})
	}
	return cfg
}

func rawOfferings(records []map[string]any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(records))
	for i, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("offerings[%d]: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func verdicts(names []string) []entitlement.Status {
	out := make([]entitlement.Status, 0, len(names))
	for _, n := range names {
		out = append(out, entitlement.Status(n))
	}
	return out
}

func (h *Harness) nextSeq() int64 {
	h.seq++
	return h.seq
}

// executeSetup runs all setup steps. Each is traced with an "ok"
// completion.
func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep, result *Result) error {
	for i, step := range setup {
		args, err := normalizeArgs(step.Args)
		if err != nil {
			return fmt.Errorf("setup step %d: failed to convert args: %w", i, err)
		}
		result.AddInvocationTrace(step.Action, args, h.nextSeq())

		fn, ok := setupActions[step.Action]
		if !ok {
			return fmt.Errorf("setup step %d: unknown action %q", i, step.Action)
		}
		if err := fn(h, ctx, args); err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}

		result.AddCompletionTrace(step.Action, CaseOK, nil, h.nextSeq())
		h.logger.Debug("setup step completed", "step", i, "action", step.Action)
	}
	return nil
}

// executeFlow runs all flow steps and checks their expect clauses
// against the completions the engine produced.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		args, err := normalizeArgs(step.Args)
		if err != nil {
			return fmt.Errorf("flow step %d: failed to convert args: %w", i, err)
		}
		result.AddInvocationTrace(step.Invoke, args, h.nextSeq())

		fn, ok := flowSteps[step.Invoke]
		if !ok {
			return fmt.Errorf("flow step %d: unknown step %q", i, step.Invoke)
		}
		outcome, res, err := fn(h, ctx, args)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}
		if len(res) == 0 {
			res = nil
		}
		result.AddCompletionTrace(step.Invoke, outcome, res, h.nextSeq())

		if step.Expect != nil {
			if outcome != step.Expect.Case {
				result.AddError(fmt.Sprintf("flow step %d (%s): expected case %q, got %q",
					i, step.Invoke, step.Expect.Case, outcome))
			} else if !matchArgs(res, step.Expect.Result) {
				result.AddError(fmt.Sprintf("flow step %d (%s): expected result %v, got %v",
					i, step.Invoke, step.Expect.Result, res))
			}
		}

		h.logger.Debug("flow step completed", "step", i, "invoke", step.Invoke, "case", outcome)
	}
	return nil
}

// snapshot collects the final engine, ledger and fake-module state.
func (h *Harness) snapshot(ctx context.Context) map[string]any {
	s := h.manager.State()
	d := h.manager.Diagnostics(ctx)

	lastError := ""
	if s.LastError != nil {
		lastError = string(s.LastError.Code)
	}
	missing := make([]any, 0, len(s.MissingSKUs))
	for _, sku := range s.MissingSKUs {
		missing = append(missing, sku)
	}
	stuck := 0
	if d.Stuck != nil {
		stuck = d.Stuck.Count
	}
	pendingRetries := 0
	if d.Pending != nil {
		pendingRetries = d.Pending.RetryCount
	}

	return map[string]any{
		"connection_status":    string(s.ConnectionStatus),
		"initialized":          s.IsInitialized,
		"ready":                s.IsReady(),
		"products":             len(s.Products),
		"missing_skus":         missing,
		"prices_missing":       s.PricesMissing,
		"entitled":             s.Entitled,
		"purchase_in_progress": s.PurchaseInProgress,
		"terminal":             s.Terminal,
		"last_error":           lastError,
		"processed":            d.ProcessedCount,
		"pending":              d.Pending != nil,
		"pending_retries":      pendingRetries,
		"stuck":                stuck,
		"unlocks":              h.cache.Unlocks(),
		"finishes":             h.billing.FinishCalls(),
		"validations":          h.validator.Calls(),
		"purchase_requests":    len(h.billing.Requests()),
		"fetches":              h.billing.FetchCalls(),
		"connects":             h.billing.Connects(),
		"restores":             h.billing.Restores(),
		"clears":               h.billing.Clears(),
	}
}

// normalizeArgs converts YAML-decoded values to the types the trace and
// canonical JSON accept. Integral floats become ints; other floats and
// nulls are rejected.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return normalizeMap(args)
}

func normalizeMap(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for key, val := range args {
		v, err := normalizeValue(val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func normalizeValue(val any) (any, error) {
	switch v := val.(type) {
	case nil:
		return nil, fmt.Errorf("null values are not allowed")
	case string, bool:
		return v, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int64(v)) {
			return int(v), nil
		}
		return nil, fmt.Errorf("fractional numbers are not allowed, quote them: %v", v)
	case []any:
		arr := make([]any, len(v))
		for i, elem := range v {
			e, err := normalizeValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		return normalizeMap(v)
	default:
		return nil, fmt.Errorf("unsupported type %T", val)
	}
}
