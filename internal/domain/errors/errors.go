package errors

import (
	"errors"
	"fmt"

	"github.com/openbid/auction-backend/internal/domain/values"
)

// ErrorType classifies who an error is attributable to.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBusiness   ErrorType = "business"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeInternal   ErrorType = "internal"
)

// Bid pipeline error codes. These are the only codes the socket gateway
// ever exposes to a client.
const (
	CodeInvalidAmount          = "INVALID_AMOUNT"
	CodeAuctionNotFound        = "AUCTION_NOT_FOUND"
	CodeAuctionEnded           = "AUCTION_ENDED"
	CodeAuctionNotStarted      = "AUCTION_NOT_STARTED"
	CodeOwnAuction             = "OWN_AUCTION"
	CodeBidTooLow              = "BID_TOO_LOW"
	CodeLockUnavailable        = "LOCK_UNAVAILABLE"
	CodeConflict               = "CONFLICT"
	CodeCoordinatorUnavailable = "COORDINATOR_UNAVAILABLE"
	CodeStoreUnavailable       = "STORE_UNAVAILABLE"
	CodeInternalError          = "INTERNAL_ERROR"
	CodeRateLimited            = "RATE_LIMITED"
)

// AppError is the structured error surfaced by the bidding core. Errors do
// not escape the pipeline as bare exceptions; they are carried in results.
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

// ClientAttributable reports whether the error is safe to return to the
// bidder verbatim without closing the connection.
func (e *AppError) ClientAttributable() bool {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeBusiness, ErrorTypeNotFound:
		return true
	}
	return false
}

// Constructors for the bid pipeline error kinds.

func NewInvalidAmount(message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Code: CodeInvalidAmount, Message: message}
}

func NewAuctionNotFound() *AppError {
	return &AppError{Type: ErrorTypeNotFound, Code: CodeAuctionNotFound, Message: "auction not found"}
}

func NewAuctionEnded() *AppError {
	return &AppError{Type: ErrorTypeBusiness, Code: CodeAuctionEnded, Message: "auction has ended"}
}

func NewAuctionNotStarted() *AppError {
	return &AppError{Type: ErrorTypeBusiness, Code: CodeAuctionNotStarted, Message: "auction has not started"}
}

func NewOwnAuction() *AppError {
	return &AppError{Type: ErrorTypeBusiness, Code: CodeOwnAuction, Message: "cannot bid on your own auction"}
}

// NewBidTooLow carries the minimum acceptable amount so the client can
// prompt the user with the exact figure.
func NewBidTooLow(required values.Money) *AppError {
	return &AppError{
		Type:    ErrorTypeBusiness,
		Code:    CodeBidTooLow,
		Message: fmt.Sprintf("bid must be at least %s", required),
		Details: map[string]interface{}{"required": required.String()},
	}
}

func NewLockUnavailable() *AppError {
	return &AppError{Type: ErrorTypeConflict, Code: CodeLockUnavailable, Message: "auction is busy, retry", Retryable: true}
}

func NewConflict() *AppError {
	return &AppError{Type: ErrorTypeConflict, Code: CodeConflict, Message: "concurrent update detected, retry", Retryable: true}
}

func NewCoordinatorUnavailable(cause error) *AppError {
	return &AppError{Type: ErrorTypeExternal, Code: CodeCoordinatorUnavailable, Message: "coordinator unavailable", Cause: cause, Retryable: true}
}

func NewStoreUnavailable(cause error) *AppError {
	return &AppError{Type: ErrorTypeExternal, Code: CodeStoreUnavailable, Message: "store unavailable", Cause: cause, Retryable: true}
}

func NewInternalError(cause error) *AppError {
	return &AppError{Type: ErrorTypeInternal, Code: CodeInternalError, Message: "internal error", Cause: cause}
}

func NewRateLimited() *AppError {
	return &AppError{Type: ErrorTypeBusiness, Code: CodeRateLimited, Message: "too many bids, slow down", Retryable: true}
}

// AsAppError extracts an AppError from an error chain, or wraps the error
// as an internal error when it is not one.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError(err)
}

// HasCode reports whether err carries the given pipeline error code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Wrap wraps an error with a message using %w.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
