package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/iapsync/internal/config"
	"github.com/roach88/iapsync/internal/store"
)

// Error codes reported in CLI responses.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeReadFailed   = "E002" // File read error
	ErrCodeDecodeFailed = "E004" // Input is not valid JSON
	ErrCodeNotFound     = "E005" // Path not found
	ErrCodeWriteFailed  = "E007" // File write error

	ErrCodeConfigInvalid = "E101" // Config failed schema or cross-field checks
	ErrCodeLedgerFailed  = "E201" // Ledger could not be opened or queried
	ErrCodeNoPending     = "E202" // No pending transaction to clear
	ErrCodeNotConfirmed  = "E203" // Destructive ledger command run without --yes
	ErrCodeNoOfferings   = "E301" // Offerings file yielded no products
	ErrCodeMissingSKUs   = "E302" // Expected SKUs absent from the offerings
	ErrCodePricesMissing = "E303" // Expected SKUs present without prices
	ErrCodeNotValid      = "E401" // Entitlement server rejected the receipt
	ErrCodeTransient     = "E402" // Entitlement server could not decide
	ErrCodeBadRequest    = "E403" // Receipt request is incomplete
	ErrCodeTestFailed    = "E_TEST_FAILED"
)

// LoadError represents a failure to load a CLI input file.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// requireFile checks that path exists and is a regular file.
func requireFile(path, what string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", what, path), Err: err}
	}
	if err != nil {
		return &LoadError{Code: ErrCodeReadFailed, Message: fmt.Sprintf("error accessing %s: %v", what, err), Err: err}
	}
	if info.IsDir() {
		return &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s is a directory: %s", what, path)}
	}
	return nil
}

// LoadConfig reads and validates a config file. Schema violations are
// returned as the second value; the error reports an unreadable file.
func LoadConfig(path string) (config.Config, []config.ValidationError, error) {
	if err := requireFile(path, "config file"); err != nil {
		return config.Config{}, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, nil, &LoadError{Code: ErrCodeReadFailed, Message: fmt.Sprintf("reading config: %v", err), Err: err}
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, flattenValidation(err), nil
	}
	return cfg, nil, nil
}

// flattenValidation unpacks joined config errors into a flat list.
func flattenValidation(err error) []config.ValidationError {
	var out []config.ValidationError
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var ve *config.ValidationError
		if errors.As(e, &ve) {
			out = append(out, *ve)
			return
		}
		out = append(out, config.ValidationError{Message: e.Error()})
	}
	walk(err)
	return out
}

// OpenLedger opens an existing ledger database. A missing file is an
// error rather than an empty ledger.
func OpenLedger(path string) (*store.Store, error) {
	if err := requireFile(path, "ledger database"); err != nil {
		return nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLedgerFailed, Message: fmt.Sprintf("opening ledger: %v", err), Err: err}
	}
	return st, nil
}

// LoadOfferings reads a JSON array of raw store offering records.
func LoadOfferings(path string) ([]json.RawMessage, error) {
	if err := requireFile(path, "offerings file"); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeReadFailed, Message: fmt.Sprintf("reading offerings: %v", err), Err: err}
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &LoadError{Code: ErrCodeDecodeFailed, Message: fmt.Sprintf("offerings must be a JSON array: %v", err), Err: err}
	}
	return raws, nil
}

// loadFailure reports a loader error under its own E-code.
func loadFailure(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return formatter.Fail(ExitCommandError, loadErr.Code, loadErr.Message, nil)
	}
	return formatter.FailErr(ExitCommandError, ErrCodeGeneric, "load failed", err)
}
