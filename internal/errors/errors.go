// Package errors defines the service error taxonomy shared by controllers,
// clients and HTTP handlers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
	CodeUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
)

// ServiceError is a typed error carrying an HTTP mapping.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a detail key. It mutates and returns the receiver.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Validation reports user-correctable bad input.
func Validation(field, message string) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, message, nil).WithDetails("field", field)
}

// InvalidAmount reports a non-positive stake or unlock amount.
func InvalidAmount(amount float64) *ServiceError {
	return newError(CodeInvalidAmount, http.StatusBadRequest, "amount must be greater than zero", nil).
		WithDetails("amount", amount)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

// InsufficientBalance reports that a purchase exceeds the ledger balance.
func InsufficientBalance(balance, cost float64) *ServiceError {
	return newError(CodeInsufficientBalance, http.StatusPaymentRequired, "earn more GIC to unlock", nil).
		WithDetails("balance", balance).
		WithDetails("cost", cost)
}

func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, resource+" not found", nil).WithDetails("id", id)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// Upstream reports that a collaborator answered but rejected the call.
// body is the collaborator's error payload.
func Upstream(service string, status int, body string) *ServiceError {
	return newError(CodeUpstreamError, http.StatusBadGateway, service+" request failed", nil).
		WithDetails("service", service).
		WithDetails("status", status).
		WithDetails("body", body)
}

// Unavailable reports that a collaborator did not respond.
func Unavailable(service string, err error) *ServiceError {
	return newError(CodeUpstreamUnavailable, http.StatusServiceUnavailable, service+" unavailable", err).
		WithDetails("service", service)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

func IsInvalidAmount(err error) bool { return HasCode(err, CodeInvalidAmount) }

// IsUpstream matches both upstream failure codes.
func IsUpstream(err error) bool {
	return HasCode(err, CodeUpstreamError) || HasCode(err, CodeUpstreamUnavailable)
}

// HTTPStatus returns the status to send for err.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
