// Package apperr defines the console's error model: canonical codes with an
// HTTP status and fluent helpers for building errors returned by handlers.
package apperr

import (
	"errors"
	"fmt"
)

// Suggestion is a per-field hint attached to validation errors.
type Suggestion struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// AppError is the error shape handlers return and the response writer serializes.
type AppError struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Suggestions []Suggestion      `json:"suggestions,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	HTTPStatus  int               `json:"-"`
	cause       error
	ec          *ErrorCode
}

func New(ec *ErrorCode) *AppError {
	if ec == nil {
		ec = ErrorCodeInternal
	}
	return &AppError{
		Code:       ec.Code(),
		Message:    ec.Message(),
		HTTPStatus: ec.HTTPStatus(),
		ec:         ec,
	}
}

func Newf(ec *ErrorCode, format string, args ...any) *AppError {
	a := New(ec)
	a.Message = fmt.Sprintf(format, args...)
	return a
}

// FromError returns err's *AppError if it wraps one, or an internal error
// that hides err's text from clients.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return New(ErrorCodeInternal).Wrap(err)
}

func (a *AppError) AddSuggestion(field, message string) *AppError {
	a.Suggestions = append(a.Suggestions, Suggestion{Field: field, Message: message})
	return a
}

// WithDetail attaches a machine readable key, for example the login location of a 401.
func (a *AppError) WithDetail(key, value string) *AppError {
	if a.Details == nil {
		a.Details = map[string]string{}
	}
	a.Details[key] = value
	return a
}

func (a *AppError) Error() string {
	if a == nil {
		return "<nil>"
	}
	if a.cause != nil {
		return a.Code + ": " + a.cause.Error()
	}
	return a.Code + ": " + a.Message
}

func (a *AppError) WithStatus(status int) *AppError {
	a.HTTPStatus = status
	return a
}

func (a *AppError) WithMessage(msg string) *AppError {
	a.Message = msg
	return a
}

// Wrap sets the underlying cause.
func (a *AppError) Wrap(err error) *AppError {
	a.cause = err
	return a
}

func (a *AppError) Unwrap() error { return a.cause }

// Is matches another *AppError carrying the same code.
func (a *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) || t == nil || a == nil {
		return false
	}
	return a.Code == t.Code
}

// Is reports whether err carries the code ec.
func Is(err error, ec *ErrorCode) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == ec.Code()
}
