package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/entitlement"
)

// ReceiptOptions holds flags for the receipt command.
type ReceiptOptions struct {
	*RootOptions
	Config        string
	Server        string
	Platform      string
	ProductID     string
	TransactionID string
	Receipt       string
	ReceiptFile   string
	PurchaseToken string
	Timeout       time.Duration
}

// ReceiptResult is the receipt payload.
type ReceiptResult struct {
	URL           string             `json:"url"`
	Platform      billing.Platform   `json:"platform"`
	ProductID     string             `json:"product_id"`
	TransactionID string             `json:"transaction_id,omitempty"`
	Status        entitlement.Status `json:"status"`
	Reason        string             `json:"reason,omitempty"`
}

// NewReceiptCommand creates the receipt command.
func NewReceiptCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReceiptOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Validate one proof of purchase against the entitlement server",
		Long: `Send one proof of purchase to the entitlement server and print its verdict.

The server address, timeout, rate limit and auth token come from --config
when given; --server and --timeout override them. iOS purchases are proven
with an app receipt, Android purchases with a purchase token.

Exit codes:
  0 - Server answered valid
  1 - Server answered invalid or transient
  2 - Command error (missing flags, unreadable config)

Examples:
  iapsync receipt --server https://api.example.com --platform ios \
    --product pro_lifetime --transaction 1000000001 --receipt-file receipt.b64
  iapsync receipt --config iapsync.yaml --platform android \
    --product pro_monthly --token abc.def`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceipt(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "iapsync config file for server settings")
	cmd.Flags().StringVar(&opts.Server, "server", "", "entitlement server base URL")
	cmd.Flags().StringVar(&opts.Platform, "platform", "", "purchase platform (ios|android)")
	cmd.Flags().StringVar(&opts.ProductID, "product", "", "product identifier (required)")
	cmd.Flags().StringVar(&opts.TransactionID, "transaction", "", "store transaction identifier")
	cmd.Flags().StringVar(&opts.Receipt, "receipt", "", "app receipt (iOS)")
	cmd.Flags().StringVar(&opts.ReceiptFile, "receipt-file", "", "read the app receipt from a file")
	cmd.Flags().StringVar(&opts.PurchaseToken, "token", "", "purchase token (Android)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "request timeout (default from config)")
	_ = cmd.MarkFlagRequired("product")
	cmd.MarkFlagsMutuallyExclusive("receipt", "receipt-file")

	return cmd
}

func runReceipt(opts *ReceiptOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	badRequest := func(msg string) error {
		return formatter.Fail(ExitCommandError, ErrCodeBadRequest, msg, nil)
	}

	server := opts.Server
	timeout := opts.Timeout
	var httpOpts []entitlement.HTTPOption
	platformName := opts.Platform

	if opts.Config != "" {
		cfg, violations, err := LoadConfig(opts.Config)
		if err != nil {
			return loadFailure(formatter, err)
		}
		if len(violations) > 0 {
			return formatter.Fail(ExitCommandError, ErrCodeConfigInvalid, violations[0].Error(), violations)
		}
		if server == "" {
			server = cfg.Server.BaseURL
		}
		if timeout == 0 {
			timeout = cfg.Server.Timeout
		}
		if platformName == "" {
			platformName = string(cfg.Platform)
		}
		httpOpts = append(httpOpts,
			entitlement.WithRateLimit(cfg.Server.RateLimit, cfg.Server.Burst),
			entitlement.WithAuthToken(cfg.Server.AuthToken),
		)
	}
	if server == "" {
		return badRequest("no entitlement server: pass --server or a config with server.base_url")
	}

	platform, err := billing.ParsePlatform(platformName)
	if err != nil {
		return badRequest(err.Error())
	}
	if !platform.HasBillingSurface() {
		return badRequest(fmt.Sprintf("platform %q has no receipts to validate", platform))
	}

	receipt := opts.Receipt
	if opts.ReceiptFile != "" {
		if err := requireFile(opts.ReceiptFile, "receipt file"); err != nil {
			return loadFailure(formatter, err)
		}
		data, err := os.ReadFile(opts.ReceiptFile)
		if err != nil {
			return loadFailure(formatter, &LoadError{Code: ErrCodeReadFailed, Message: fmt.Sprintf("reading receipt: %v", err), Err: err})
		}
		receipt = strings.TrimSpace(string(data))
	}

	req := entitlement.Request{
		Platform:      platform,
		ProductID:     opts.ProductID,
		TransactionID: opts.TransactionID,
	}
	switch platform {
	case billing.PlatformIOS:
		if receipt == "" {
			return badRequest("ios validation needs --receipt or --receipt-file")
		}
		req.Receipt = receipt
	case billing.PlatformAndroid:
		if opts.PurchaseToken == "" {
			return badRequest("android validation needs --token")
		}
		req.PurchaseToken = opts.PurchaseToken
		if req.TransactionID == "" {
			req.TransactionID = opts.PurchaseToken
		}
	}

	httpOpts = append(httpOpts,
		entitlement.WithTimeout(timeout),
		entitlement.WithHTTPLogger(newLogger(opts.RootOptions, formatter.GetErrWriter())),
	)
	validator := entitlement.NewHTTPValidator(server, httpOpts...)
	formatter.VerboseLog("POST %s (%s, %s)", validator.URL(), platform, req.ProductID)

	resp, err := validator.Validate(cmd.Context(), req)
	if err != nil {
		return formatter.FailErr(ExitCommandError, ErrCodeGeneric, "validation aborted", err)
	}

	result := ReceiptResult{
		URL:           validator.URL(),
		Platform:      platform,
		ProductID:     req.ProductID,
		TransactionID: req.TransactionID,
		Status:        resp.Status,
		Reason:        resp.Reason,
	}
	return outputReceipt(formatter, result)
}

func outputReceipt(formatter *OutputFormatter, result ReceiptResult) error {
	var code string
	switch result.Status {
	case entitlement.StatusValid:
	case entitlement.StatusInvalid:
		code = ErrCodeNotValid
	default:
		code = ErrCodeTransient
	}

	if formatter.Format == "json" {
		response := CLIResponse{Status: "ok", Data: result}
		if code != "" {
			response.Status = "error"
			response.Error = &CLIError{Code: code, Message: fmt.Sprintf("receipt %s", result.Status)}
		}
		if err := formatter.Encode(response); err != nil {
			return err
		}
	} else {
		mark := "✓"
		if code != "" {
			mark = "✗"
		}
		fmt.Fprintf(formatter.Writer, "%s %s: %s\n", mark, result.ProductID, result.Status)
		if result.Reason != "" {
			fmt.Fprintf(formatter.Writer, "  reason: %s\n", result.Reason)
		}
	}

	if code != "" {
		return CodedExitError(ExitFailure, code, fmt.Sprintf("receipt %s", result.Status))
	}
	return nil
}
