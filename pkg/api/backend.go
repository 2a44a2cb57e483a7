package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/milan604/rtl433dp-console/pkg/config"
	"github.com/milan604/rtl433dp-console/pkg/logger"
)

// ModelSummary is one row of the models list.
type ModelSummary struct {
	Source      string `json:"source,omitempty"`
	Model       string `json:"model"`
	Fingerprint string `json:"fingerprint"`
	Category    string `json:"category,omitempty"`
}

// ModelDetails is a decoder model with its sensors. Fields are kept as sent.
type ModelDetails map[string]any

// PromoteRequest turns a recommendation into a known device.
type PromoteRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	Model             string `json:"model" validate:"required"`
	ID                string `json:"id" validate:"required"`
	Name              string `json:"name" validate:"required"`
	Area              string `json:"area" validate:"required"`
	DeviceType        string `json:"deviceType" validate:"required"`
}

// Backend exposes the rtl433dp REST endpoints the console uses.
type Backend struct {
	client HTTPClient
	base   string
}

// NewBackend returns a Backend for the API rooted at baseURL.
func NewBackend(baseURL string, client HTTPClient) (*Backend, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api: invalid base url %q", baseURL)
	}
	return &Backend{client: client, base: strings.TrimRight(u.String(), "/")}, nil
}

// NewFromSettings builds the client and backend described by the api.* settings.
func NewFromSettings(s config.APISettings, log logger.LogManager) (*Backend, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := NewClient(
		WithLogger(log),
		WithHTTPClient(&http.Client{Timeout: timeout}),
		WithRetry(s.RetryMax+1, 200*time.Millisecond),
	)
	return NewBackend(s.BaseURL, client)
}

func (b *Backend) url(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return b.base + "/v1/" + strings.Join(escaped, "/")
}

func (b *Backend) getRaw(ctx context.Context, target string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := b.client.GetJSON(ctx, target, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ListModels calls GET /v1/models.
func (b *Backend) ListModels(ctx context.Context) ([]ModelSummary, error) {
	raw, err := b.getRaw(ctx, b.url("models"))
	if err != nil {
		return nil, err
	}
	return decodeList[ModelSummary](raw), nil
}

// SearchModels calls POST /v1/models/search with query as the body.
func (b *Backend) SearchModels(ctx context.Context, query json.RawMessage) ([]ModelSummary, error) {
	var raw json.RawMessage
	if err := b.client.PostJSON(ctx, b.url("models", "search"), query, &raw); err != nil {
		return nil, err
	}
	return decodeList[ModelSummary](raw), nil
}

// GetModel calls GET /v1/models/{model}/{fingerprint}.
func (b *Backend) GetModel(ctx context.Context, model, fingerprint string) (ModelDetails, error) {
	raw, err := b.getRaw(ctx, b.url("models", model, fingerprint))
	if err != nil {
		return nil, err
	}
	return decodeDetails(raw)
}

// UpdateSensors calls POST /v1/models/{model}/{fingerprint}/sensors. The
// updated details are returned when the backend sends them, nil otherwise.
func (b *Backend) UpdateSensors(ctx context.Context, model, fingerprint string, sensors json.RawMessage) (ModelDetails, error) {
	var raw json.RawMessage
	if err := b.client.PostJSON(ctx, b.url("models", model, fingerprint, "sensors"), sensors, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	details, err := decodeDetails(raw)
	if errors.Is(err, ErrNoContent) {
		return nil, nil
	}
	return details, err
}

// ListKnownDevices calls GET /v1/known-devices.
func (b *Backend) ListKnownDevices(ctx context.Context) ([]KnownDevice, error) {
	raw, err := b.getRaw(ctx, b.url("known-devices"))
	if err != nil {
		return nil, err
	}
	return NormalizeKnownDevices(UnwrapList(raw)), nil
}

// ListRecommendations calls GET /v1/recommendations.
func (b *Backend) ListRecommendations(ctx context.Context) ([]Recommendation, error) {
	raw, err := b.getRaw(ctx, b.url("recommendations"))
	if err != nil {
		return nil, err
	}
	return NormalizeRecommendations(UnwrapList(raw)), nil
}

// Promote calls POST /v1/recommendations/promote and returns the created
// known device when the backend sends it.
func (b *Backend) Promote(ctx context.Context, req PromoteRequest) (KnownDevice, error) {
	var raw json.RawMessage
	if err := b.client.PostJSON(ctx, b.url("recommendations", "promote"), req, &raw); err != nil {
		return nil, err
	}
	content, err := UnwrapObject(raw)
	if err != nil {
		return nil, nil
	}
	obj, ok := decodeObject(content)
	if !ok {
		return nil, nil
	}
	return KnownDevice(obj), nil
}

func decodeDetails(raw json.RawMessage) (ModelDetails, error) {
	if list := UnwrapList(raw); len(list) > 0 {
		raw = list[0]
	}
	content, err := UnwrapObject(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := decodeObject(content)
	if !ok {
		return nil, fmt.Errorf("api: model details are not an object")
	}
	return ModelDetails(obj), nil
}
