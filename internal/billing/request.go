package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RequestShape names one accepted parameter layout for a purchase call.
// Store library versions disagree on the layout, so the engine tries them
// in order.
type RequestShape string

const (
	// ShapeSKU is {sku: "..."}.
	ShapeSKU RequestShape = "sku"
	// ShapeSKUList is {skus: ["..."]}.
	ShapeSKUList RequestShape = "skus"
	// ShapePlatformRequest is {request: {ios: {sku}, android: {skus}}}.
	ShapePlatformRequest RequestShape = "platform-request"
	// ShapeLegacyPositional is the positional (sku, ...) call form.
	ShapeLegacyPositional RequestShape = "legacy-positional"
)

// DefaultShapes is the order in which request shapes are tried.
var DefaultShapes = []RequestShape{
	ShapePlatformRequest,
	ShapeSKU,
	ShapeSKUList,
	ShapeLegacyPositional,
}

// PurchaseRequest is one purchase call in a specific shape.
type PurchaseRequest struct {
	Shape    RequestShape
	Platform Platform
	SKU      string
	SKUs     []string

	// OfferToken selects a Play subscription offer. Empty for one-time
	// products and on iOS.
	OfferToken string
}

// BuildRequests returns one request per shape, in DefaultShapes order.
func BuildRequests(platform Platform, sku, offerToken string) []PurchaseRequest {
	reqs := make([]PurchaseRequest, 0, len(DefaultShapes))
	for _, shape := range DefaultShapes {
		req := PurchaseRequest{
			Shape:      shape,
			Platform:   platform,
			SKU:        sku,
			OfferToken: offerToken,
		}
		if shape == ShapeSKUList || shape == ShapePlatformRequest {
			req.SKUs = []string{sku}
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// ShapeAttempt records one failed request shape.
type ShapeAttempt struct {
	Method string
	Shape  RequestShape
	Err    error
}

// ShapeError aggregates every attempt when no request shape was accepted.
type ShapeError struct {
	Attempts []ShapeAttempt
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", a.Method, a.Shape, a.Err))
	}
	return fmt.Sprintf("no purchase request shape accepted (%d attempts): %s",
		len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes every attempt error to errors.Is/As.
func (e *ShapeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// TryShapes calls each method with each request in order. It stops at the
// first call that returns nil or fails with anything other than
// ErrBadRequestShape. Non-shape errors (cancellation, network) are returned
// as-is without trying further shapes. When every combination is rejected
// for its shape, a *ShapeError lists all attempts.
func TryShapes(ctx context.Context, methods []PurchaseMethod, reqs []PurchaseRequest) (ShapeAttempt, error) {
	var attempts []ShapeAttempt
	for _, m := range methods {
		for _, req := range reqs {
			if err := ctx.Err(); err != nil {
				return ShapeAttempt{}, err
			}
			err := m.Request(ctx, req)
			if err == nil {
				return ShapeAttempt{Method: m.Name, Shape: req.Shape}, nil
			}
			if !errors.Is(err, ErrBadRequestShape) {
				return ShapeAttempt{Method: m.Name, Shape: req.Shape, Err: err}, err
			}
			attempts = append(attempts, ShapeAttempt{Method: m.Name, Shape: req.Shape, Err: err})
		}
	}
	return ShapeAttempt{}, &ShapeError{Attempts: attempts}
}
