package api

import (
	"context"
	"net/http"
)

// HTTPClient is what Backend needs from a Client.
type HTTPClient interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)

	// DoJSON performs a request and unmarshals the JSON response.
	DoJSON(ctx context.Context, req *http.Request, v any) error
	GetJSON(ctx context.Context, url string, v any) error
	PostJSON(ctx context.Context, url string, body any, v any) error
}

// Ensure Client implements HTTPClient interface.
var _ HTTPClient = (*Client)(nil)
