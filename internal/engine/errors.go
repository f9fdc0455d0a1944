package engine

import (
	"errors"
	"fmt"
)

// ErrorCode identifies an engine error.
type ErrorCode string

const (
	// Preconditions rejected by Buy.
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeProductsNotLoaded  ErrorCode = "PRODUCTS_NOT_LOADED"
	CodeUnknownSKU         ErrorCode = "UNKNOWN_SKU"
	CodeSKUNotAllowed      ErrorCode = "SKU_NOT_ALLOWED"
	CodePurchaseInProgress ErrorCode = "PURCHASE_IN_PROGRESS"

	// Purchase flow.
	CodePurchaseTimeout   ErrorCode = "PURCHASE_TIMEOUT"
	CodePurchaseFailed    ErrorCode = "PURCHASE_FAILED"
	CodePurchaseCancelled ErrorCode = "PURCHASE_CANCELLED"

	// Connection and offerings.
	CodeConfiguration       ErrorCode = "CONFIGURATION_ERROR"
	CodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"
	CodeLoadFailed          ErrorCode = "LOAD_FAILED"
	CodeNormalizationFailed ErrorCode = "NORMALIZATION_FAILED"

	// Reconciliation.
	CodeProductIDMissing    ErrorCode = "PRODUCT_ID_MISSING"
	CodeReceiptUnavailable  ErrorCode = "RECEIPT_UNAVAILABLE"
	CodeValidationTransient ErrorCode = "VALIDATION_TRANSIENT"
	CodeReceiptInvalid      ErrorCode = "RECEIPT_INVALID"
	CodeUnlockUnconfirmed   ErrorCode = "UNLOCK_UNCONFIRMED"
	CodeFinishFailed        ErrorCode = "FINISH_FAILED"
)

// Class groups error codes by how the engine and the UI react to them.
type Class string

const (
	// ClassTerminal errors are never retried automatically.
	ClassTerminal Class = "terminal"
	// ClassRetryable errors were retried up to a fixed cap.
	ClassRetryable Class = "retryable"
	// ClassTransient errors leave the transaction unfinished and pending.
	ClassTransient Class = "transient"
	// ClassUser errors come from the user's own action (cancellation).
	ClassUser Class = "user"
	// ClassContained errors are recorded and scheduled for bounded cleanup.
	ClassContained Class = "contained"
	// ClassPrecondition errors reject a call before any billing call.
	ClassPrecondition Class = "precondition"
)

const (
	msgSupport   = "Purchases are unavailable right now. Please contact support."
	msgTryLater  = "Your purchase is being confirmed. Please try again in a moment."
	msgLoadRetry = "We couldn't load purchase options. Please try again."
)

var codeInfo = map[ErrorCode]struct {
	class Class
	user  string
}{
	CodeNotConnected:        {ClassPrecondition, "The store is not available yet. Please try again."},
	CodeProductsNotLoaded:   {ClassPrecondition, msgLoadRetry},
	CodeUnknownSKU:          {ClassPrecondition, "This product is not available."},
	CodeSKUNotAllowed:       {ClassPrecondition, "This product is not available."},
	CodePurchaseInProgress:  {ClassPrecondition, "A purchase is already in progress."},
	CodePurchaseTimeout:     {ClassRetryable, "The purchase is taking longer than expected. Please try again."},
	CodePurchaseFailed:      {ClassRetryable, "The purchase could not be completed. Please try again."},
	CodePurchaseCancelled:   {ClassUser, ""},
	CodeConfiguration:       {ClassTerminal, msgSupport},
	CodeConnectionFailed:    {ClassRetryable, "We couldn't reach the store. Please try again."},
	CodeLoadFailed:          {ClassRetryable, msgLoadRetry},
	CodeNormalizationFailed: {ClassTerminal, msgSupport},
	CodeProductIDMissing:    {ClassTerminal, msgSupport},
	CodeReceiptUnavailable:  {ClassTransient, msgTryLater},
	CodeValidationTransient: {ClassTransient, msgTryLater},
	CodeReceiptInvalid:      {ClassTerminal, "We couldn't verify this purchase."},
	CodeUnlockUnconfirmed:   {ClassTransient, msgTryLater},
	CodeFinishFailed:        {ClassContained, ""},
}

// Class returns the class of code.
func (c ErrorCode) Class() Class {
	if info, ok := codeInfo[c]; ok {
		return info.class
	}
	return ClassRetryable
}

// UserMessage returns the user-facing text for code.
func (c ErrorCode) UserMessage() string {
	return codeInfo[c].user
}

// Error is a classified engine error.
type Error struct {
	Code        ErrorCode
	Message     string
	UserMessage string
	Err         error
}

func newError(code ErrorCode, msg string, err error) *Error {
	return &Error{
		Code:        code,
		Message:     msg,
		UserMessage: code.UserMessage(),
		Err:         err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Class returns the error's class.
func (e *Error) Class() Class {
	return e.Code.Class()
}

func (e *Error) stateError() *StateError {
	return &StateError{Code: e.Code, Message: e.Error(), UserMessage: e.UserMessage}
}

// CodeOf returns the engine error code carried by err, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf returns the class of err, or "" if it is not an engine error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class()
	}
	return ""
}

// IsTransient reports whether err leaves a purchase pending for retry.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsTerminal reports whether err must not be retried automatically.
func IsTerminal(err error) bool {
	return ClassOf(err) == ClassTerminal
}

// IsPrecondition reports whether err rejected a call before any billing call.
func IsPrecondition(err error) bool {
	return ClassOf(err) == ClassPrecondition
}
