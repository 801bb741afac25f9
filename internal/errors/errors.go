// Package errors defines the control plane's error taxonomy.
//
// Every failure surfaced to callers is a *ServiceError carrying a stable Code,
// the HTTP status it maps to, and whether the caller may retry. Capacity,
// concurrency and discovery-transient errors are retryable by contract:
// callers back off and try again instead of treating them as hard failures.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInsufficientCapacity Code = "INSUFFICIENT_CAPACITY"
	CodeOperationInProgress  Code = "OPERATION_IN_PROGRESS"
	CodeNoLeader             Code = "NO_LEADER"
	CodeNoHealthyEndpoint    Code = "NO_HEALTHY_ENDPOINT"
	CodeNodeUnreachable      Code = "NODE_UNREACHABLE"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeInvalidToken         Code = "INVALID_TOKEN"
	CodeForbidden            Code = "FORBIDDEN"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Kind sentinels for errors.Is checks. They match any ServiceError of the same code.
var (
	ErrValidation           = &ServiceError{Code: CodeValidation}
	ErrNotFound             = &ServiceError{Code: CodeNotFound}
	ErrInsufficientCapacity = &ServiceError{Code: CodeInsufficientCapacity}
	ErrOperationInProgress  = &ServiceError{Code: CodeOperationInProgress}
	ErrNoLeader             = &ServiceError{Code: CodeNoLeader}
	ErrNoHealthyEndpoint    = &ServiceError{Code: CodeNoHealthyEndpoint}
	ErrNodeUnreachable      = &ServiceError{Code: CodeNodeUnreachable}
)

// ServiceError is the structured error returned by every control-plane operation.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Retryable  bool                   `json:"retryable"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches on Code so sentinels compare equal to any error of their kind.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetails returns a copy with key=value added to Details.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newError(code Code, status int, retryable bool, message string, cause error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
		Retryable:  retryable,
		Err:        cause,
	}
}

// Validation reports malformed input. Not retryable.
func Validation(format string, args ...interface{}) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, false, fmt.Sprintf(format, args...), nil)
}

// InvalidFormat reports a malformed field.
func InvalidFormat(field, expected string) *ServiceError {
	return Validation("invalid %s", field).WithDetails("expected", expected)
}

// NotFound reports an unknown node, service or name.
func NotFound(kind, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, false, fmt.Sprintf("%s %s not found", kind, id), nil).
		WithDetails(kind, id)
}

// InsufficientCapacity reports that fewer eligible nodes exist than required.
// Retry after backoff or relax constraints.
func InsufficientCapacity(capability string, required, available int) *ServiceError {
	return newError(CodeInsufficientCapacity, http.StatusServiceUnavailable, true,
		fmt.Sprintf("need %d nodes with capability %q, %d eligible", required, capability, available), nil).
		WithDetails("required", required).
		WithDetails("available", available)
}

// OperationInProgress reports a conflicting mutation on the same entity. Retry with backoff.
func OperationInProgress(entity string, cause error) *ServiceError {
	return newError(CodeOperationInProgress, http.StatusConflict, true,
		fmt.Sprintf("another operation on %s is in progress", entity), cause)
}

// NoLeader reports that a stateful service currently has no leader. Expected during failover.
func NoLeader(name string) *ServiceError {
	return newError(CodeNoLeader, http.StatusServiceUnavailable, true,
		fmt.Sprintf("no leader for %s", name), nil)
}

// NoHealthyEndpoint reports that every endpoint of a record is unhealthy. Expected during failover.
func NoHealthyEndpoint(name string) *ServiceError {
	return newError(CodeNoHealthyEndpoint, http.StatusServiceUnavailable, true,
		fmt.Sprintf("no healthy endpoint for %s", name), nil)
}

// NodeUnreachable reports a failed liveness check. It drives an unhealthy transition and is
// not surfaced to callers of unrelated operations.
func NodeUnreachable(nodeID string, cause error) *ServiceError {
	return newError(CodeNodeUnreachable, http.StatusBadGateway, true,
		fmt.Sprintf("node %s unreachable", nodeID), cause)
}

// Unauthorized reports missing credentials.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, false, message, nil)
}

// InvalidToken reports a credential that failed verification.
func InvalidToken(cause error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, false, "invalid or expired token", cause)
}

// Forbidden reports an authenticated caller lacking permission.
func Forbidden(message string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, false, message, nil)
}

// RateLimitExceeded reports throttling.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, true,
		fmt.Sprintf("rate limit of %d per %s exceeded", limit, window), nil)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, false, message, cause)
}

// GetServiceError extracts a *ServiceError from err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsRetryable reports whether err is retryable by contract.
func IsRetryable(err error) bool {
	if se := GetServiceError(err); se != nil {
		return se.Retryable
	}
	return false
}

// HTTPStatus maps err to a status code, defaulting to 500.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is and As re-export the standard helpers so callers importing this package need not alias.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is errors.As.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// New is errors.New.
func New(text string) error { return stderrors.New(text) }
