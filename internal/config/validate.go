package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// ValidationError is one schema violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateDocument checks a YAML document against the #Config schema.
// Every violation is returned, joined with errors.Join.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if _, ok := doc.(map[string]any); !ok {
		return &ValidationError{Message: "config must be a mapping"}
	}

	js, err := json.Marshal(doc)
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("unsupported yaml value: %v", err)}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	val := ctx.CompileBytes(js, cue.Filename("config.json"))
	if err := val.Err(); err != nil {
		return &ValidationError{Message: err.Error()}
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return toValidationErrors(err)
	}
	return nil
}

// toValidationErrors flattens CUE errors into field-path errors.
func toValidationErrors(err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return &ValidationError{Message: err.Error()}
	}

	var errs []error
	seen := make(map[string]bool)
	for _, e := range list {
		path := e.Path()
		if len(path) > 0 && path[0] == "#Config" {
			path = path[1:]
		}
		field := strings.Join(path, ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if seen[field+msg] {
			continue
		}
		seen[field+msg] = true
		errs = append(errs, &ValidationError{Field: field, Message: msg})
	}
	return errors.Join(errs...)
}
