package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                     `json:"valid"`
	Errors   []config.ValidationError `json:"errors,omitempty"`
	Platform string                   `json:"platform,omitempty"`
	SKUs     []string                 `json:"skus,omitempty"`
	Database string                   `json:"database_path,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate an iapsync configuration file",
		Long: `Validate an iapsync configuration file against the embedded schema.

Reports every schema violation by field path, then checks the rules the
schema cannot express (duplicate SKUs, timing bounds).

Exit codes:
  0 - Config is valid
  1 - Config has validation errors
  2 - Command error (file not found, unreadable)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	formatter.VerboseLog("Validating %s", path)

	cfg, violations, err := LoadConfig(path)
	if err != nil {
		return loadFailure(formatter, err)
	}
	if len(violations) > 0 {
		return outputValidationErrors(formatter, violations)
	}

	formatter.VerboseLog("Platform %s, %d SKU(s)", cfg.Platform, len(cfg.SKUs))
	return outputValidateSuccess(formatter, cfg)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, cfg config.Config) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{
			Valid:    true,
			Platform: string(cfg.Platform),
			SKUs:     cfg.ExpectedSKUs(),
			Database: cfg.DatabasePath,
		})
	}

	fmt.Fprintf(formatter.Writer, "✓ Config valid (platform %s, %d SKU(s))\n", cfg.Platform, len(cfg.SKUs))
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []config.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:  false,
				Errors: errs,
			},
			Error: &CLIError{
				Code:    ErrCodeConfigInvalid,
				Message: errs[0].Error(),
			},
		}
		if err := formatter.Encode(response); err != nil {
			return err
		}
		return CodedExitError(ExitFailure, ErrCodeConfigInvalid, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		field := err.Field
		if field == "" {
			field = "(document)"
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", field, err.Message)
	}

	// Validation failures = exit code 1
	return CodedExitError(ExitFailure, ErrCodeConfigInvalid, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
