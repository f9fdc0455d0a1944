package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/offering"
)

// Scenario defines a reconciliation scenario: a store module serving
// offerings, a scripted entitlement server, and a flow of engine calls
// and store events checked against expectations and assertions.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Platform is ios, android or preview. Defaults to ios.
	Platform string `yaml:"platform,omitempty"`

	// Development enables development-build behavior (stranded clear on
	// every connect).
	Development bool `yaml:"development,omitempty"`

	// Module selects the store module surface: full (default), legacy
	// (getProducts/getSubscriptions only) or fetch_only.
	Module string `yaml:"module,omitempty"`

	// SKUs are the expected products.
	SKUs []SKU `yaml:"skus"`

	// Offerings are the raw product records the store returns.
	Offerings []map[string]any `yaml:"offerings,omitempty"`

	// Receipt is the app receipt returned by the store on iOS.
	Receipt string `yaml:"receipt,omitempty"`

	// Server lists entitlement verdicts answered in order; once exhausted
	// the server answers valid.
	Server []string `yaml:"server,omitempty"`

	// Setup seeds durable and cached state before the flow runs.
	// Setup actions are assumed to succeed.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow contains the engine calls and store events, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// SKU is one expected product.
type SKU struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type,omitempty"`
}

// ActionStep seeds state before the flow.
type ActionStep struct {
	// Action is one of entitled, processed, pending or stuck.
	Action string `yaml:"action"`

	// Args contains the action arguments.
	Args map[string]any `yaml:"args"`
}

// FlowStep is one step of the main flow.
type FlowStep struct {
	// Invoke is the step name (initialize, buy, deliver, ...).
	Invoke string `yaml:"invoke"`

	// Args contains the step arguments.
	Args map[string]any `yaml:"args"`

	// Expect specifies the expected completion. If nil, the step is not
	// checked.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected completion of a step.
type ExpectClause struct {
	// Case is the expected completion case: "ok", an error code, a
	// reconciliation outcome, or a recovery or restore status.
	Case string `yaml:"case"`

	// Result contains expected result fields (subset match).
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the final trace and state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is the step name (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are the expected step arguments (trace_contains, subset match).
	Args map[string]any `yaml:"args,omitempty"`

	// Count is the expected number (trace_count and the *_count types).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected step order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Code is the expected last error code; empty means none (last_error).
	Code string `yaml:"code,omitempty"`

	// Status is the expected status of the last restore (restore_status).
	Status string `yaml:"status,omitempty"`

	// Expect contains expected state fields (final_state, subset match).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertUnlockCount   = "unlock_count"
	AssertFinishCount   = "finish_count"
	AssertValidateCount = "validate_count"
	AssertLastError     = "last_error"
	AssertRestoreStatus = "restore_status"
)

// Module surfaces.
const (
	ModuleFull      = "full"
	ModuleLegacy    = "legacy"
	ModuleFetchOnly = "fetch_only"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// platform returns the scenario platform, defaulting to ios.
func (s *Scenario) platform() (billing.Platform, error) {
	if s.Platform == "" {
		return billing.PlatformIOS, nil
	}
	return billing.ParsePlatform(s.Platform)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if _, err := s.platform(); err != nil {
		return err
	}

	switch s.Module {
	case "", ModuleFull, ModuleLegacy, ModuleFetchOnly:
	default:
		return fmt.Errorf("unknown module %q", s.Module)
	}

	if len(s.SKUs) == 0 {
		return fmt.Errorf("skus list is required and must be non-empty")
	}
	for i, sku := range s.SKUs {
		if sku.ID == "" {
			return fmt.Errorf("skus[%d]: id is required", i)
		}
		switch offering.Type(sku.Type) {
		case "", offering.TypeIAP, offering.TypeSubscription:
		default:
			return fmt.Errorf("skus[%d]: unknown type %q", i, sku.Type)
		}
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if _, ok := setupActions[step.Action]; !ok {
			return fmt.Errorf("setup[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, step := range s.Flow {
		if step.Invoke == "" {
			return fmt.Errorf("flow[%d]: invoke is required", i)
		}
		if _, ok := flowSteps[step.Invoke]; !ok {
			return fmt.Errorf("flow[%d]: unknown step %q", i, step.Invoke)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertUnlockCount, AssertFinishCount, AssertValidateCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertLastError:
	case AssertRestoreStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for restore_status", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
