package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypePayloadTooLarge     ErrorType = "payload_too_large"
	ErrorTypeStoreUnavailable    ErrorType = "store_unavailable"
	ErrorTypeStoreTimeout        ErrorType = "store_timeout"
	ErrorTypeConstraintViolation ErrorType = "constraint_violation"
	ErrorTypeTenantMismatch      ErrorType = "tenant_mismatch"
	ErrorTypeSlowConsumer        ErrorType = "slow_consumer"
	ErrorTypeIndexingFailure     ErrorType = "indexing_failure"
	ErrorTypeCapacityExceeded    ErrorType = "capacity_exceeded"
	ErrorTypeRetentionFailure    ErrorType = "retention_failure"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeUnauthorized        ErrorType = "unauthorized"
	ErrorTypeForbidden           ErrorType = "forbidden"
	ErrorTypeInternal            ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons. Never attach details to these; build a new error instead.
var (
	ErrValidation          = NewDomainError(ErrorTypeValidation, "validation failed", nil)
	ErrPayloadTooLarge     = NewDomainError(ErrorTypePayloadTooLarge, "payload exceeds configured maximum", nil)
	ErrStoreUnavailable    = NewDomainError(ErrorTypeStoreUnavailable, "event store unavailable", nil)
	ErrStoreTimeout        = NewDomainError(ErrorTypeStoreTimeout, "event store write timed out", nil)
	ErrConstraintViolation = NewDomainError(ErrorTypeConstraintViolation, "event violates a store constraint", nil)
	ErrTenantMismatch      = NewDomainError(ErrorTypeTenantMismatch, "tenant mismatch", nil)
	ErrSlowConsumer        = NewDomainError(ErrorTypeSlowConsumer, "subscriber too slow", nil)
	ErrIndexingFailure     = NewDomainError(ErrorTypeIndexingFailure, "indexing failed", nil)
	ErrCapacityExceeded    = NewDomainError(ErrorTypeCapacityExceeded, "live subscription limit reached", nil)
	ErrRetentionFailure    = NewDomainError(ErrorTypeRetentionFailure, "retention pass failed", nil)
	ErrEventNotFound       = NewDomainError(ErrorTypeNotFound, "audit event not found", nil)
	ErrUnauthorized        = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrForbidden           = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInternal            = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// NewValidationError builds a validation error carrying per-field messages
func NewValidationError(message string, fields map[string]string) *DomainError {
	err := NewDomainError(ErrorTypeValidation, message, nil)
	for k, v := range fields {
		err.WithDetail(k, v)
	}
	return err
}

// NewTenantMismatchError records both tenants involved in the violation
func NewTenantMismatchError(expected, actual string) *DomainError {
	return NewDomainError(ErrorTypeTenantMismatch, "data scoped to a different tenant", nil).
		WithDetail("expected_tenant", expected).
		WithDetail("actual_tenant", actual)
}

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsPayloadTooLargeError checks if an error is a payload size error
func IsPayloadTooLargeError(err error) bool { return isType(err, ErrorTypePayloadTooLarge) }

// IsStoreUnavailableError checks if an error is a store availability error
func IsStoreUnavailableError(err error) bool { return isType(err, ErrorTypeStoreUnavailable) }

// IsStoreTimeoutError checks if an error is a store timeout
func IsStoreTimeoutError(err error) bool { return isType(err, ErrorTypeStoreTimeout) }

// IsConstraintViolationError checks if an error is a store constraint violation
func IsConstraintViolationError(err error) bool { return isType(err, ErrorTypeConstraintViolation) }

// IsTenantMismatchError checks if an error is a tenant isolation violation
func IsTenantMismatchError(err error) bool { return isType(err, ErrorTypeTenantMismatch) }

// IsSlowConsumerError checks if an error is a slow consumer disconnect
func IsSlowConsumerError(err error) bool { return isType(err, ErrorTypeSlowConsumer) }

// IsIndexingFailureError checks if an error is an indexing failure
func IsIndexingFailureError(err error) bool { return isType(err, ErrorTypeIndexingFailure) }

// IsCapacityExceededError checks if an error is a subscription capacity error
func IsCapacityExceededError(err error) bool { return isType(err, ErrorTypeCapacityExceeded) }

// IsRetentionFailureError checks if an error is a retention pass failure
func IsRetentionFailureError(err error) bool { return isType(err, ErrorTypeRetentionFailure) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return isType(err, ErrorTypeForbidden) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}
