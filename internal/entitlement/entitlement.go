package entitlement

import (
	"context"

	"github.com/roach88/iapsync/internal/billing"
)

// Status is the entitlement server verdict.
type Status string

const (
	StatusValid     Status = "valid"
	StatusInvalid   Status = "invalid"
	StatusTransient Status = "transient"
)

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	switch s {
	case StatusValid, StatusInvalid, StatusTransient:
		return true
	}
	return false
}

// Request is the proof of purchase sent for validation. Exactly one of
// Receipt (iOS) or PurchaseToken (Android) is normally set.
type Request struct {
	Platform      billing.Platform `json:"platform"`
	Receipt       string           `json:"receipt,omitempty"`
	PurchaseToken string           `json:"purchaseToken,omitempty"`
	TransactionID string           `json:"transactionId"`
	ProductID     string           `json:"productId"`
}

// Response is the server verdict.
type Response struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Validator checks a proof of purchase. Implementations report every
// server or transport failure as a transient Response; a non-nil error
// is treated as transient by callers too.
type Validator interface {
	Validate(ctx context.Context, req Request) (Response, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, req Request) (Response, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Cache is the local "pro unlocked" flag.
type Cache interface {
	// CheckUnlocked reports the current flag.
	CheckUnlocked(ctx context.Context) (bool, error)
	// SetUnlocked sets the flag and reports whether the write is
	// durably confirmed.
	SetUnlocked(ctx context.Context) (bool, error)
}
