package apperr

import "net/http"

// Canonical error codes returned by the console.
var (
	ErrorCodeInvalidRequest      = NewErrorCode("invalid_request", "Invalid request body", 10, http.StatusBadRequest)
	ErrorCodeValidationFail      = NewErrorCode("validation_failed", "Validation failed", 20, http.StatusUnprocessableEntity)
	ErrorCodeUnauthorized        = NewErrorCode("unauthorized", "Sign in required", 30, http.StatusUnauthorized)
	ErrorCodeForbidden           = NewErrorCode("forbidden", "Missing permission", 40, http.StatusForbidden)
	ErrorCodeNotFound            = NewErrorCode("not_found", "Not found", 50, http.StatusNotFound)
	ErrorCodeSessionLoading      = NewErrorCode("session_loading", "Session is still loading", 60, http.StatusServiceUnavailable)
	ErrorCodeLoginFailed         = NewErrorCode("login_failed", "Could not start sign-in", 70, http.StatusBadGateway)
	ErrorCodeLogoutFailed        = NewErrorCode("logout_failed", "Could not complete sign-out", 80, http.StatusBadGateway)
	ErrorCodeUpstream            = NewErrorCode("upstream_error", "Backend request failed", 90, http.StatusBadGateway)
	ErrorCodeUpstreamUnavailable = NewErrorCode("upstream_unavailable", "Backend temporarily unavailable", 95, http.StatusServiceUnavailable)
	ErrorCodeRateLimited         = NewErrorCode("rate_limited", "Too many requests", 97, http.StatusTooManyRequests)
	ErrorCodeInternal            = NewErrorCode("internal_error", "Internal server error", 100, http.StatusInternalServerError)
)

// ErrorCode describes a canonical application error code with its default
// message and HTTP status.
type ErrorCode struct {
	code       string
	message    string
	value      int
	httpStatus int
}

func NewErrorCode(code, message string, value, httpStatus int) *ErrorCode {
	return &ErrorCode{code: code, message: message, value: value, httpStatus: httpStatus}
}

func (ec *ErrorCode) Code() string    { return ec.code }
func (ec *ErrorCode) Message() string { return ec.message }
func (ec *ErrorCode) Value() int      { return ec.value }
func (ec *ErrorCode) HTTPStatus() int { return ec.httpStatus }
