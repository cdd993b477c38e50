package types

import (
	"fmt"
	"net/http"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and adapters use these constants instead of
// hardcoded strings so the taxonomy stays greppable.
const (
	// Validation (400)
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationNoRecipients    ErrorCode = "validation_no_recipients"
	ErrCodeValidationEmptyBody       ErrorCode = "validation_empty_body"
	ErrCodeValidationMissingTemplate ErrorCode = "validation_missing_template"
	ErrCodeValidationInvalidChannel  ErrorCode = "validation_invalid_channel"

	// Not Found (404)
	ErrCodeNotFoundNotification ErrorCode = "not_found_notification"

	// Broker (non-fatal to the notification; triggers fallback dispatch)
	ErrCodeBrokerUnavailable ErrorCode = "broker_unavailable"
	ErrCodeBrokerPublish     ErrorCode = "broker_publish_failed"

	// Dispatch (502/503)
	ErrCodeDispatchRetryable ErrorCode = "dispatch_retryable_failure"
	ErrCodeDispatchPermanent ErrorCode = "dispatch_permanent_failure"
	ErrCodeDispatchBreaker   ErrorCode = "dispatch_circuit_open"

	// Internal (500)
	ErrCodeInternalStore      ErrorCode = "internal_store_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// AppError is the standard application error carrying a machine-readable
// code, a client-safe message, and the wrapped underlying cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewAppError constructs an AppError wrapping an underlying error (which may
// be nil).
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As chains.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error code to the HTTP status returned to clients.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidationMissingField, ErrCodeValidationNoRecipients,
		ErrCodeValidationEmptyBody, ErrCodeValidationMissingTemplate,
		ErrCodeValidationInvalidChannel:
		return http.StatusBadRequest
	case ErrCodeNotFoundNotification:
		return http.StatusNotFound
	case ErrCodeDispatchRetryable, ErrCodeDispatchBreaker, ErrCodeBrokerUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeDispatchPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
