package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeInvalidPrincipalState ErrorType = "invalid_principal_state"
	ErrorTypeTokenExpired          ErrorType = "token_expired"
	ErrorTypeTokenInvalid          ErrorType = "token_invalid"
	ErrorTypeTokenRevoked          ErrorType = "token_revoked"
	ErrorTypeReuseDetected         ErrorType = "reuse_detected"
	ErrorTypeTenantInactive        ErrorType = "tenant_inactive"
	ErrorTypeTenantMismatch        ErrorType = "tenant_mismatch"
	ErrorTypeRateLimit             ErrorType = "rate_limit"
	ErrorTypeNotFound              ErrorType = "not_found"
	ErrorTypeValidation            ErrorType = "validation"
	ErrorTypeUnauthorized          ErrorType = "unauthorized"
	ErrorTypeForbidden             ErrorType = "forbidden"
	ErrorTypeConflict              ErrorType = "conflict"
	ErrorTypeInternal              ErrorType = "internal"
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

// Is implements errors.Is. Two domain errors match when their types match.
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

// Wrap returns a copy of e carrying cause. The sentinel itself is left untouched,
// so the copy may be decorated with WithDetail.
func (e *DomainError) Wrap(cause error) *DomainError {
	return NewDomainError(e.Type, e.Message, cause)
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

// Domain error variables

var (
	// Principal state
	ErrInvalidPrincipalState = NewDomainError(ErrorTypeInvalidPrincipalState, "principal cannot log in", nil)

	// Token lifecycle
	ErrTokenExpired  = NewDomainError(ErrorTypeTokenExpired, "token expired", nil)
	ErrTokenInvalid  = NewDomainError(ErrorTypeTokenInvalid, "token invalid", nil)
	ErrTokenRevoked  = NewDomainError(ErrorTypeTokenRevoked, "token revoked", nil)
	ErrReuseDetected = NewDomainError(ErrorTypeReuseDetected, "refresh token reuse detected", nil)

	// Tenant binding
	ErrTenantInactive  = NewDomainError(ErrorTypeTenantInactive, "tenant is not active", nil)
	ErrTenantSuspended = NewDomainError(ErrorTypeTenantInactive, "tenant is suspended", nil)
	ErrTenantMismatch  = NewDomainError(ErrorTypeTenantMismatch, "tenant mismatch", nil)
	ErrNoTenantScope   = NewDomainError(ErrorTypeTenantMismatch, "no tenant scope bound", nil)

	// Rate Limit Errors
	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	// Not Found Errors
	ErrTenantNotFound     = NewDomainError(ErrorTypeNotFound, "tenant not found", nil)
	ErrPrincipalNotFound  = NewDomainError(ErrorTypeNotFound, "principal not found", nil)
	ErrRoleNotFound       = NewDomainError(ErrorTypeNotFound, "role not found", nil)
	ErrPermissionNotFound = NewDomainError(ErrorTypeNotFound, "permission not found", nil)
	ErrSessionNotFound    = NewDomainError(ErrorTypeNotFound, "session not found", nil)

	// Validation Errors
	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidSlug  = NewDomainError(ErrorTypeValidation, "invalid slug format", nil)
	ErrRoleCycle    = NewDomainError(ErrorTypeValidation, "role hierarchy cycle", nil)
	ErrRoleScope    = NewDomainError(ErrorTypeValidation, "role belongs to another tenant", nil)
	ErrStaleVersion = NewDomainError(ErrorTypeValidation, "permission version is older than the catalog", nil)

	// Authorization Errors
	ErrUnauthorized       = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidCredentials = NewDomainError(ErrorTypeUnauthorized, "invalid credentials", nil)
	ErrMFAFailed          = NewDomainError(ErrorTypeUnauthorized, "mfa verification failed", nil)

	// Permission Errors
	ErrForbidden   = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrSSODisabled = NewDomainError(ErrorTypeForbidden, "sso is not enabled for tenant", nil)

	// Conflict Errors
	ErrDuplicateSlug   = NewDomainError(ErrorTypeConflict, "slug already exists", nil)
	ErrDuplicateDomain = NewDomainError(ErrorTypeConflict, "domain already exists", nil)
	ErrDuplicateEmail  = NewDomainError(ErrorTypeConflict, "email already exists", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
	ErrCacheFailed       = NewDomainError(ErrorTypeInternal, "cache operation failed", nil)
)

// Error type checking helper functions

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsTokenError reports whether err means the caller has to re-authenticate
func IsTokenError(err error) bool {
	return isType(err, ErrorTypeTokenExpired) ||
		isType(err, ErrorTypeTokenInvalid) ||
		isType(err, ErrorTypeTokenRevoked) ||
		isType(err, ErrorTypeReuseDetected)
}

// IsReuseDetected checks if an error signals refresh token reuse
func IsReuseDetected(err error) bool {
	return isType(err, ErrorTypeReuseDetected)
}

// IsInvalidPrincipalStateError checks if an error is an invalid principal state error
func IsInvalidPrincipalStateError(err error) bool {
	return isType(err, ErrorTypeInvalidPrincipalState)
}

// IsTenantError checks if an error is a tenant inactive or tenant mismatch error
func IsTenantError(err error) bool {
	return isType(err, ErrorTypeTenantInactive) || isType(err, ErrorTypeTenantMismatch)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return isType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return isType(err, ErrorTypeForbidden)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return isType(err, ErrorTypeRateLimit)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

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
