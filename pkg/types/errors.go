package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the category of a HealthChain error
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeSelfGrant       ErrorType = "self_grant"
	ErrorTypeUnauthenticated ErrorType = "unauthenticated"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeDecryption      ErrorType = "decryption"
	ErrorTypeUnavailable     ErrorType = "unavailable"
	ErrorTypeInvalidDuration ErrorType = "invalid_duration"
	ErrorTypeInternal        ErrorType = "internal"
)

// Common error codes
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeSelfGrant        = "SELF_GRANT"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeDecryption       = "DECRYPTION_FAILED"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInvalidDuration  = "INVALID_DURATION"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// codeTypes maps the wire code of an error back to its category.
var codeTypes = map[string]ErrorType{
	ErrCodeInvalidInput:     ErrorTypeValidation,
	ErrCodeValidationFailed: ErrorTypeValidation,
	ErrCodeForbidden:        ErrorTypeForbidden,
	ErrCodeSelfGrant:        ErrorTypeSelfGrant,
	ErrCodeUnauthenticated:  ErrorTypeUnauthenticated,
	ErrCodeConflict:         ErrorTypeConflict,
	ErrCodeNotFound:         ErrorTypeNotFound,
	ErrCodeDecryption:       ErrorTypeDecryption,
	ErrCodeUnavailable:      ErrorTypeUnavailable,
	ErrCodeTimeout:          ErrorTypeUnavailable,
	ErrCodeInvalidDuration:  ErrorTypeInvalidDuration,
	ErrCodeInternalError:    ErrorTypeInternal,
}

// HealthError represents a structured error in the HealthChain system
type HealthError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *HealthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *HealthError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a HealthError of the same category. This lets
// callers write errors.Is(err, types.ErrConflict).
func (e *HealthError) Is(target error) bool {
	var t *HealthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == "" && t.Type == e.Type
}

// Sentinel kinds for errors.Is comparisons. They carry no code so that any
// HealthError of the same Type matches.
var (
	ErrValidation      = &HealthError{Type: ErrorTypeValidation}
	ErrForbidden       = &HealthError{Type: ErrorTypeForbidden}
	ErrSelfGrant       = &HealthError{Type: ErrorTypeSelfGrant}
	ErrUnauthenticated = &HealthError{Type: ErrorTypeUnauthenticated}
	ErrConflict        = &HealthError{Type: ErrorTypeConflict}
	ErrNotFound        = &HealthError{Type: ErrorTypeNotFound}
	ErrDecryption      = &HealthError{Type: ErrorTypeDecryption}
	ErrUnavailable     = &HealthError{Type: ErrorTypeUnavailable}
	ErrInvalidDuration = &HealthError{Type: ErrorTypeInvalidDuration}
	ErrInternal        = &HealthError{Type: ErrorTypeInternal}
)

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *HealthError {
	return &HealthError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewForbiddenError creates a new authorization error
func NewForbiddenError(message string) *HealthError {
	return &HealthError{
		Type:    ErrorTypeForbidden,
		Code:    ErrCodeForbidden,
		Message: message,
	}
}

// NewSelfGrantError creates an error for a principal requesting access to itself
func NewSelfGrantError(message string) *HealthError {
	return &HealthError{
		Type:    ErrorTypeSelfGrant,
		Code:    ErrCodeSelfGrant,
		Message: message,
	}
}

// NewUnauthenticatedError creates a new authentication error
func NewUnauthenticatedError(message string) *HealthError {
	return &HealthError{
		Type:    ErrorTypeUnauthenticated,
		Code:    ErrCodeUnauthenticated,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string) *HealthError {
	return &HealthError{
		Type:    ErrorTypeConflict,
		Code:    ErrCodeConflict,
		Message: message,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *HealthError {
	return &HealthError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNotFound,
		Message: message,
	}
}

// NewDecryptionError creates the single error returned for every decryption
// failure. The message is fixed so that callers cannot tell a wrong key from
// corrupt ciphertext.
func NewDecryptionError() *HealthError {
	return &HealthError{
		Type:    ErrorTypeDecryption,
		Code:    ErrCodeDecryption,
		Message: "ciphertext could not be decrypted",
	}
}

// NewUnavailableError creates a new transient infrastructure error
func NewUnavailableError(message string, cause error) *HealthError {
	return &HealthError{
		Type:    ErrorTypeUnavailable,
		Code:    ErrCodeUnavailable,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidDurationError creates a new invalid duration error
func NewInvalidDurationError(message string, details map[string]interface{}) *HealthError {
	return &HealthError{
		Type:    ErrorTypeInvalidDuration,
		Code:    ErrCodeInvalidDuration,
		Message: message,
		Details: details,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *HealthError {
	return &HealthError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// TypeOf returns the category of err, or ErrorTypeInternal when err is not a
// HealthError.
func TypeOf(err error) ErrorType {
	var he *HealthError
	if errors.As(err, &he) {
		return he.Type
	}
	return ErrorTypeInternal
}

// Classification is the user-visible handling class of an error.
type Classification string

const (
	ClassTerminal  Classification = "terminal"
	ClassRetryable Classification = "try_again"
	ClassReread    Classification = "reread_and_retry"
)

// Classify returns how a caller should present err.
func Classify(err error) Classification {
	switch TypeOf(err) {
	case ErrorTypeUnavailable:
		return ClassRetryable
	case ErrorTypeConflict:
		return ClassReread
	default:
		return ClassTerminal
	}
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	return TypeOf(err) == ErrorTypeUnavailable
}

// ParseWireError rebuilds a HealthError from the "CODE: message" form used
// when errors cross the ledger boundary as plain strings. ok is false when
// msg does not carry a known code.
func ParseWireError(msg string) (*HealthError, bool) {
	// Fabric prefixes chaincode errors; the code is the last "CODE: " segment.
	for code, typ := range codeTypes {
		marker := code + ": "
		idx := strings.LastIndex(msg, marker)
		if idx < 0 {
			continue
		}
		if idx > 0 && isCodeChar(msg[idx-1]) {
			continue
		}
		return &HealthError{Type: typ, Code: code, Message: msg[idx+len(marker):]}, true
	}
	return nil, false
}

func isCodeChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || b == '_'
}
