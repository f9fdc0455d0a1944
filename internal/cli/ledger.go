package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/store"
)

// LedgerOptions holds flags for the ledger commands.
type LedgerOptions struct {
	*RootOptions
	Database string
	Yes      bool // confirm destructive commands

	// Now is the clock used for stuck-marker expiry.
	Now func() time.Time
}

// LedgerReport is the ledger show payload.
type LedgerReport struct {
	Database  string                    `json:"database"`
	Entitled  bool                      `json:"entitled"`
	Limit     int                       `json:"processed_limit"`
	Processed []store.Processed         `json:"processed"`
	Pending   *store.PendingTransaction `json:"pending,omitempty"`
	Stuck     *store.StuckMarker        `json:"stuck,omitempty"`
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerOptions{RootOptions: rootOpts, Now: time.Now}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or repair the transaction ledger",
		Long: `Inspect or repair the durable transaction ledger.

The ledger holds the processed index, the pending transaction awaiting
recovery, the stuck-transaction marker and the entitlement flag.

Examples:
  iapsync ledger show --db ./iapsync.db
  iapsync ledger clear-pending --db ./iapsync.db
  iapsync ledger clear-stuck --db ./iapsync.db --format json
  iapsync ledger reset --db ./iapsync.db --yes`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite ledger database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print the ledger contents",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, cmd, runLedgerShow)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "clear-pending",
		Short:         "Drop the pending transaction so recovery no longer retries it",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, cmd, runClearPending)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "clear-stuck",
		Short:         "Reset the stuck-transaction marker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, cmd, runClearStuck)
		},
	})

	reset := &cobra.Command{
		Use:           "reset",
		Short:         "Delete every ledger row, including the entitlement flag",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, cmd, runLedgerReset)
		},
	}
	reset.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the reset")
	cmd.AddCommand(reset)

	return cmd
}

type ledgerFunc func(ctx context.Context, opts *LedgerOptions, st *store.Store, formatter *OutputFormatter) error

// withLedger opens the ledger, runs fn and closes the ledger.
func withLedger(opts *LedgerOptions, cmd *cobra.Command, fn ledgerFunc) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := OpenLedger(opts.Database)
	if err != nil {
		return loadFailure(formatter, err)
	}
	defer st.Close()

	formatter.VerboseLog("Opened ledger %s", opts.Database)
	return fn(cmd.Context(), opts, st, formatter)
}

func ledgerError(formatter *OutputFormatter, err error) error {
	return formatter.FailErr(ExitCommandError, ErrCodeLedgerFailed, "ledger operation failed", err)
}

func runLedgerShow(ctx context.Context, opts *LedgerOptions, st *store.Store, formatter *OutputFormatter) error {
	report := LedgerReport{Database: opts.Database, Limit: st.ProcessedLimit()}

	var err error
	if report.Processed, err = st.ListProcessed(ctx); err != nil {
		return ledgerError(formatter, err)
	}
	if report.Pending, err = st.Pending(ctx); err != nil {
		return ledgerError(formatter, err)
	}
	marker, active, err := st.StuckMarker(ctx, opts.Now())
	if err != nil {
		return ledgerError(formatter, err)
	}
	if active {
		report.Stuck = &marker
	}
	if report.Entitled, err = st.Entitled(ctx); err != nil {
		return ledgerError(formatter, err)
	}

	if formatter.Format == "json" {
		return formatter.Success(report)
	}
	writeLedgerReport(formatter.Writer, report)
	return nil
}

func writeLedgerReport(w io.Writer, r LedgerReport) {
	fmt.Fprintf(w, "Ledger: %s\n", r.Database)
	fmt.Fprintf(w, "Entitled: %t\n", r.Entitled)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Processed (%d/%d):\n", len(r.Processed), r.Limit)
	if len(r.Processed) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, p := range r.Processed {
		fmt.Fprintf(w, "  %s  %-8s %s\n", p.ProcessedAt.UTC().Format(time.RFC3339), p.Platform, p.Key)
	}
	fmt.Fprintln(w)

	if r.Pending == nil {
		fmt.Fprintln(w, "Pending: (none)")
	} else {
		p := r.Pending
		fmt.Fprintf(w, "Pending: %s\n", p.Key)
		fmt.Fprintf(w, "  product:  %s\n", p.ProductID)
		fmt.Fprintf(w, "  platform: %s\n", p.Platform)
		fmt.Fprintf(w, "  created:  %s\n", p.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "  retries:  %d\n", p.RetryCount)
		if p.Reason != "" {
			fmt.Fprintf(w, "  reason:   %s\n", p.Reason)
		}
	}

	if r.Stuck == nil {
		fmt.Fprintln(w, "Stuck: (none)")
	} else {
		fmt.Fprintf(w, "Stuck: %d failed finish call(s) since %s\n",
			r.Stuck.Count, r.Stuck.FirstSeen.UTC().Format(time.RFC3339))
	}
}

func runClearPending(ctx context.Context, _ *LedgerOptions, st *store.Store, formatter *OutputFormatter) error {
	pending, err := st.Pending(ctx)
	if err != nil {
		return ledgerError(formatter, err)
	}
	if pending == nil {
		return formatter.Fail(ExitFailure, ErrCodeNoPending, "no pending transaction", nil)
	}
	if err := st.ClearPending(ctx, pending.Key); err != nil {
		return ledgerError(formatter, err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"cleared": pending.Key, "product_id": pending.ProductID})
	}
	fmt.Fprintf(formatter.Writer, "✓ Cleared pending transaction %s (%s)\n", pending.Key, pending.ProductID)
	return nil
}

func runClearStuck(ctx context.Context, _ *LedgerOptions, st *store.Store, formatter *OutputFormatter) error {
	if err := st.ClearStuck(ctx); err != nil {
		return ledgerError(formatter, err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"cleared": true})
	}
	fmt.Fprintln(formatter.Writer, "✓ Stuck marker cleared")
	return nil
}

func runLedgerReset(ctx context.Context, opts *LedgerOptions, st *store.Store, formatter *OutputFormatter) error {
	if !opts.Yes {
		return formatter.Fail(ExitCommandError, ErrCodeNotConfirmed,
			"reset deletes the processed index and entitlement flag; pass --yes to confirm", nil)
	}
	if err := st.Reset(ctx); err != nil {
		return ledgerError(formatter, err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"reset": true})
	}
	fmt.Fprintf(formatter.Writer, "✓ Ledger %s reset\n", opts.Database)
	return nil
}
