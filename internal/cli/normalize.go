package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/offering"
)

// NormalizeOptions holds flags for the normalize command.
type NormalizeOptions struct {
	*RootOptions
	Expect []string // expected SKUs
}

// NormalizeResult is the normalize payload.
type NormalizeResult struct {
	Products      []offering.Product `json:"products"`
	Rejected      []RejectedRecord   `json:"rejected,omitempty"`
	MissingSKUs   []string           `json:"missing_skus,omitempty"`
	PricesMissing bool               `json:"prices_missing"`
}

// RejectedRecord is one offering record that could not be normalized.
type RejectedRecord struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// NewNormalizeCommand creates the normalize command.
func NewNormalizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NormalizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "normalize <offerings.json>",
		Short: "Normalize raw store offerings into products",
		Long: `Normalize a JSON array of raw store offering records into the product
shape the engine publishes.

Rejected records are reported but do not fail the command. With --expect,
missing SKUs and missing prices are reported too, and either one exits
with code 1.

Examples:
  iapsync normalize ./offerings.json
  iapsync normalize ./offerings.json --expect pro_monthly,pro_lifetime`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Expect, "expect", nil, "expected SKUs (comma-separated)")

	return cmd
}

func runNormalize(opts *NormalizeOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	raws, err := LoadOfferings(path)
	if err != nil {
		return loadFailure(formatter, err)
	}
	formatter.VerboseLog("Loaded %d offering record(s) from %s", len(raws), path)

	products, rejected := offering.NormalizeAll(raws, nil)
	result := NormalizeResult{Products: products}
	for _, r := range rejected {
		result.Rejected = append(result.Rejected, RejectedRecord{Index: r.Index, Reason: r.Err.Error()})
	}
	if len(opts.Expect) > 0 {
		result.MissingSKUs = offering.MissingSKUs(products, opts.Expect)
		result.PricesMissing = offering.PricesMissing(products, opts.Expect)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writeNormalizeText(formatter, result, len(opts.Expect) > 0)
	}

	switch {
	case len(products) == 0:
		return CodedExitError(ExitFailure, ErrCodeNoOfferings, "no products")
	case len(result.MissingSKUs) > 0:
		return CodedExitError(ExitFailure, ErrCodeMissingSKUs, fmt.Sprintf("missing SKUs: %s", strings.Join(result.MissingSKUs, ", ")))
	case result.PricesMissing:
		return CodedExitError(ExitFailure, ErrCodePricesMissing, "expected products are missing prices")
	}
	return nil
}

func writeNormalizeText(formatter *OutputFormatter, result NormalizeResult, checked bool) {
	w := formatter.Writer

	fmt.Fprintf(w, "Products (%d):\n", len(result.Products))
	for _, p := range result.Products {
		price := p.LocalizedPrice
		if price == "" {
			price = "(no price)"
		}
		fmt.Fprintf(w, "  %-24s %-12s %s\n", p.ProductID, p.Type, price)
		if p.Title != "" {
			formatter.VerboseLog("  %s: %s", p.ProductID, p.Title)
		}
	}

	if len(result.Rejected) > 0 {
		fmt.Fprintf(w, "\nRejected (%d):\n", len(result.Rejected))
		for _, r := range result.Rejected {
			fmt.Fprintf(w, "  [%d] %s\n", r.Index, r.Reason)
		}
	}

	if !checked {
		return
	}
	fmt.Fprintln(w)
	if len(result.MissingSKUs) > 0 {
		fmt.Fprintf(w, "✗ Missing SKUs: %s\n", strings.Join(result.MissingSKUs, ", "))
	}
	if result.PricesMissing {
		fmt.Fprintln(w, "✗ Prices missing")
	}
	if len(result.MissingSKUs) == 0 && !result.PricesMissing {
		fmt.Fprintln(w, "✓ All expected SKUs present with prices")
	}
}
