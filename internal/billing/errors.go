package billing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMethodNotFound is returned (or wrapped) by a binding when the
	// underlying library function is not present on this build.
	ErrMethodNotFound = errors.New("billing: method not found")

	// ErrBadRequestShape is returned when the library rejects the shape of
	// a purchase request rather than the purchase itself.
	ErrBadRequestShape = errors.New("billing: bad request shape")

	// ErrCapabilityMissing is returned by SelectedMethods.Validate when the
	// minimal fetch+purchase capability set cannot be resolved.
	ErrCapabilityMissing = errors.New("billing: required capability missing")

	// ErrNotConnected is returned by bindings called before Connect.
	ErrNotConnected = errors.New("billing: not connected")
)

// StoreError is an error reported by the store library with its own code.
type StoreError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// cancellationCodes are the codes store libraries use for a user backing
// out of the purchase sheet.
var cancellationCodes = map[string]struct{}{
	"e_user_cancelled":        {},
	"user-cancelled":          {},
	"user_cancelled":          {},
	"usercancelled":           {},
	"skerrorpaymentcancelled": {},
	"payment_cancelled":       {},
	"2":                       {}, // SKErrorPaymentCancelled raw value
}

// IsCancellation reports whether err means the user cancelled. It checks
// StoreError codes first and falls back to message heuristics.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	if errors.As(err, &se) {
		if _, ok := cancellationCodes[strings.ToLower(strings.TrimSpace(se.Code))]; ok {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cancel")
}

// IsMethodNotFound reports whether err signals a missing library function.
func IsMethodNotFound(err error) bool {
	return errors.Is(err, ErrMethodNotFound)
}
