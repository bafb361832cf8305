// Package errors provides coded application errors shared by the approval
// engine, its repositories and its transports.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an application error.
type ErrorCode string

const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal     ErrorCode = "INTERNAL"

	// Approval workflow taxonomy.
	ErrCodePolicy                 ErrorCode = "POLICY_ERROR"
	ErrCodeNoApproverFound        ErrorCode = "NO_APPROVER_FOUND"
	ErrCodeAlreadyResolved        ErrorCode = "ALREADY_RESOLVED"
	ErrCodeNotAuthorized          ErrorCode = "NOT_AUTHORIZED"
	ErrCodePermissionInsufficient ErrorCode = "PERMISSION_INSUFFICIENT"
	ErrCodeInactiveApprover       ErrorCode = "INACTIVE_APPROVER"
	ErrCodeVersionConflict        ErrorCode = "VERSION_CONFLICT"
	ErrCodeInsufficientLimit      ErrorCode = "INSUFFICIENT_LIMIT"
	ErrCodeInvalidDecision        ErrorCode = "INVALID_DECISION"
)

// AppError is an error carrying an ErrorCode.
type AppError struct {
	Code    ErrorCode
	Message string
	Field   string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError by code, so sentinel comparisons work with
// errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps err with a code and message. A nil err yields nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// InvalidInput reports a bad field value.
func InvalidInput(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("invalid %s: %s", field, message),
		Field:   field,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsRetryable reports whether the caller should retry the same operation.
// Only optimistic-lock races qualify.
func IsRetryable(err error) bool {
	return HasCode(err, ErrCodeVersionConflict)
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
