// Package errors categorizes failures so handlers can map them to HTTP responses
// and background workers can decide whether to retry.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/eigensurance/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryUserInput     ErrorCategory = "user_input"
	CategoryValidation    ErrorCategory = "validation"
	CategoryAuthorization ErrorCategory = "authorization"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategorySystem        ErrorCategory = "system"
	CategoryProvider      ErrorCategory = "provider"
	CategoryDatabase      ErrorCategory = "database"
	CategoryCache         ErrorCategory = "cache"
)

// Error codes returned to clients
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeInvalidAddress     = "INVALID_ADDRESS"
	CodeInvalidNonce       = "INVALID_NONCE"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeCache              = "CACHE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeProvider           = "PROVIDER_ERROR"
	CodeProviderTimeout    = "PROVIDER_TIMEOUT"
	CodeClaimPollTimeout   = "CLAIM_POLL_TIMEOUT"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	// Retryable overrides the category default when set
	Retryable *bool
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire representation; the cause is dropped
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// WithDetail returns e with one more detail entry
func (e *CategorizedError) WithDetail(key string, value interface{}) *CategorizedError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// User input errors (4xx)

// NewInvalidInputError creates a generic bad request error
func NewInvalidInputError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidInput,
		Message:    message,
	}
}

// NewInvalidAddressError creates an invalid wallet address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidAddress,
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details:    map[string]interface{}{"address": address},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInvalidNonceError is returned when the sign-in nonce is unknown, used or expired
func NewInvalidNonceError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInvalidNonce,
		Message:    "invalid or expired nonce",
	}
}

// NewInvalidSignatureError is returned when a SIWE message or signature does not verify
func NewInvalidSignatureError(reason string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInvalidSignature,
		Message:    reason,
		Cause:      cause,
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		Details:    map[string]interface{}{"retryAfter": retryAfter},
	}
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCache,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details:    map[string]interface{}{"service": service},
	}
}

// Outbound collaborator errors

// NewProviderError creates an error for a failed call to an external collaborator
// (generation endpoint, Pinata, AVS, LlamaParse, chain RPC).
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProvider,
		Message:    fmt.Sprintf("upstream error: %s", provider),
		Cause:      cause,
		Details:    map[string]interface{}{"provider": provider},
	}
}

// NewProviderStatusError classifies a non-2xx upstream response.
// 5xx and 429 stay retryable, other 4xx do not.
func NewProviderStatusError(provider string, status int, body string) *CategorizedError {
	retryable := status >= 500 || status == http.StatusTooManyRequests
	e := NewProviderError(provider, fmt.Errorf("unexpected status %d: %s", status, truncate(body, 256)))
	e.Retryable = &retryable
	e.Details["status"] = status
	return e
}

// NewProviderTimeoutError creates a provider timeout error
func NewProviderTimeoutError(provider string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeProviderTimeout,
		Message:    fmt.Sprintf("upstream timeout: %s", provider),
		Details:    map[string]interface{}{"provider": provider},
	}
}

// NewClaimPollTimeoutError is returned when claim approval does not complete within the attempt budget
func NewClaimPollTimeoutError(ipfsHash string, attempts int) *CategorizedError {
	no := false
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeClaimPollTimeout,
		Message:    fmt.Sprintf("claim approval not completed after %d attempts", attempts),
		Details: map[string]interface{}{
			"ipfsHash": ipfsHash,
			"attempts": attempts,
		},
		Retryable: &no,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	status := http.StatusInternalServerError
	category := CategorySystem
	switch err.Code {
	case CodeInvalidInput, CodeInvalidAddress:
		status, category = http.StatusBadRequest, CategoryUserInput
	case CodeInvalidNonce, CodeInvalidSignature:
		status, category = http.StatusUnprocessableEntity, CategoryValidation
	case CodeNotFound:
		status, category = http.StatusNotFound, CategoryNotFound
	case CodeUnauthorized:
		status, category = http.StatusUnauthorized, CategoryAuthorization
	case CodeForbidden:
		status, category = http.StatusForbidden, CategoryAuthorization
	case CodeConflict:
		status, category = http.StatusConflict, CategoryConflict
	}
	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	if catErr.Retryable != nil {
		return *catErr.Retryable
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.StatusCode >= 500
}

// HasCode reports whether err categorizes to the given code
func HasCode(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
