package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced in the HTTP envelope.
const (
	ErrCodeNoToken            = "NO_TOKEN"
	ErrCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeEmailExists        = "EMAIL_EXISTS"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeAccountInactive    = "ACCOUNT_INACTIVE"
	ErrCodePasswordChanged    = "PASSWORD_CHANGED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeAuthRateLimited    = "AUTH_RATE_LIMITED"
	ErrCodeEmailRateLimited   = "EMAIL_RATE_LIMITED"
	ErrCodeIPBlocked          = "IP_BLOCKED"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeDuplicateValue     = "DUPLICATE_VALUE"
	ErrCodeInvalidID          = "INVALID_ID"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeSuppressed         = "SUPPRESSED"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// AppError is an operational error with a stable code and HTTP mapping.
// Non-operational errors (bugs) are never wrapped in AppError; the HTTP
// boundary redacts them in production.
type AppError struct {
	Code          string
	HTTPStatus    int
	Message       string
	IsOperational bool
	Err           error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError creates an operational error.
func NewAppError(code string, status int, message string) *AppError {
	return &AppError{Code: code, HTTPStatus: status, Message: message, IsOperational: true}
}

// AsAppError extracts an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ErrNotFound marks a missing entity.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found with ID: %s", e.Entity, e.ID)
}

// IsNotFound reports whether err is an entity-not-found error.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ValidationError represents invalid input. Fields carries per-field
// messages for the VALIDATION_ERROR response shape.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NewValidationError creates a validation error with the given message.
func NewValidationError(message string, fields ...string) error {
	return ValidationError{Message: message, Fields: fields}
}

// Convenience constructors for the common HTTP mappings.

func NotFoundError(entity, id string) *AppError {
	e := NewAppError(ErrCodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", entity))
	e.Err = &ErrNotFound{Entity: entity, ID: id}
	return e
}

func DuplicateError(message string) *AppError {
	return NewAppError(ErrCodeDuplicateValue, http.StatusConflict, message)
}

func ForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, http.StatusForbidden, message)
}

func InvalidTransitionError(from, to string) *AppError {
	return NewAppError(ErrCodeInvalidTransition, http.StatusBadRequest,
		fmt.Sprintf("cannot transition campaign from %s to %s", from, to))
}
