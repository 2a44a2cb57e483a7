package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
)

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	Status   int
	Method   string
	Path     string
	Body     string
	Messages []string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Status)
	if len(e.Messages) > 0 {
		msg += ": " + strings.Join(e.Messages, "; ")
	}
	return msg
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusUnauthorized
}

func newHTTPError(req *http.Request, status int, body []byte) *HTTPError {
	he := &HTTPError{Status: status, Method: req.Method, Path: req.URL.Path, Body: string(body)}
	var env Envelope[json.RawMessage]
	if json.Unmarshal(body, &env) == nil {
		he.Messages = env.Texts()
	}
	return he
}

// ToAppError maps a backend call failure to the error shown to the operator.
func ToAppError(err error) *apperr.AppError {
	if err == nil {
		return nil
	}
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		return ae
	}

	var he *HTTPError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperr.New(apperr.ErrorCodeUpstreamUnavailable).Wrap(err)
	case errors.As(err, &he):
		var out *apperr.AppError
		switch {
		case he.Status == http.StatusUnauthorized:
			out = apperr.New(apperr.ErrorCodeUnauthorized)
		case he.Status == http.StatusForbidden:
			out = apperr.New(apperr.ErrorCodeForbidden)
		case he.Status == http.StatusNotFound:
			out = apperr.New(apperr.ErrorCodeNotFound)
		case he.Status == http.StatusBadRequest:
			out = apperr.New(apperr.ErrorCodeInvalidRequest)
		case he.Status == http.StatusUnprocessableEntity:
			out = apperr.New(apperr.ErrorCodeValidationFail)
		case he.Status == http.StatusServiceUnavailable || he.Status == http.StatusGatewayTimeout:
			out = apperr.New(apperr.ErrorCodeUpstreamUnavailable)
		default:
			out = apperr.New(apperr.ErrorCodeUpstream)
		}
		for _, m := range he.Messages {
			out.AddSuggestion("", m)
		}
		return out.WithDetail("upstreamStatus", fmt.Sprint(he.Status)).Wrap(err)
	default:
		return apperr.New(apperr.ErrorCodeUpstream).Wrap(err)
	}
}
