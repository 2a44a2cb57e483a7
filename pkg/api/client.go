// Package api talks to the rtl433dp REST backend on behalf of a console
// session.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/milan604/rtl433dp-console/pkg/logger"
)

const (
	instrumentationName = "github.com/milan604/rtl433dp-console/pkg/api"
	maxErrorBody        = 64 << 10
)

// errServerStatus marks a 5xx answer as a failure for the circuit breaker.
var errServerStatus = errors.New("api: server error status")

// Client is an HTTP client that attaches the bound session's bearer token,
// clears the session on 401 and retries idempotent calls.
type Client struct {
	httpClient    *http.Client
	logger        logger.LogManager
	retryMax      int
	retryDelay    time.Duration
	requestHooks  []RequestHook
	responseHooks []ResponseHook
	breaker       *gobreaker.CircuitBreaker[*http.Response]
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	requests      metric.Int64Counter
	duration      metric.Float64Histogram
}

// RequestHook is a function that can modify a request before it's sent.
type RequestHook func(*http.Request) error

// ResponseHook is a function that can process a response after it's received.
type ResponseHook func(*http.Response) error

// ClientOption configures the HTTP client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithLogger sets a logger for the client.
func WithLogger(l logger.LogManager) ClientOption {
	return func(c *Client) {
		c.logger = logger.OrNop(l)
	}
}

// WithRetry configures retry behavior for idempotent requests.
// maxAttempts is the maximum number of attempts (including the first).
// delay is the initial delay between retries (will be exponential backoff).
func WithRetry(maxAttempts int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryMax = max(maxAttempts, 1)
		c.retryDelay = delay
	}
}

// WithRequestHook adds a hook that runs before each request.
func WithRequestHook(hook RequestHook) ClientOption {
	return func(c *Client) {
		c.requestHooks = append(c.requestHooks, hook)
	}
}

// WithResponseHook adds a hook that runs after each response.
func WithResponseHook(hook ResponseHook) ClientOption {
	return func(c *Client) {
		c.responseHooks = append(c.responseHooks, hook)
	}
}

// WithBreaker replaces the default circuit breaker settings.
func WithBreaker(st gobreaker.Settings) ClientOption {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](st)
	}
}

// WithTracerProvider sets where client spans go. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		c.tracer = tp.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets where request metrics go. The global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) ClientOption {
	return func(c *Client) {
		c.meterProvider = mp
	}
}

// DefaultBreakerSettings opens after five consecutive failures and probes again after 30s.
func DefaultBreakerSettings(name string, log logger.LogManager) gobreaker.Settings {
	log = logger.OrNop(log)
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WarnF("api: circuit %s changed from %s to %s", name, from, to)
		},
	}
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:     logger.NewNop(),
		retryMax:   3,
		retryDelay: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](DefaultBreakerSettings("rtl433dp-api", c.logger))
	}
	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	if c.meterProvider == nil {
		c.meterProvider = otel.GetMeterProvider()
	}
	c.initInstruments()
	return c
}

func (c *Client) initInstruments() {
	meter := c.meterProvider.Meter(instrumentationName)
	var err error
	if c.requests, err = meter.Int64Counter("console.upstream.requests",
		metric.WithDescription("Backend requests by method and status class")); err != nil {
		c.logger.WarnF("api: create request counter: %v", err)
	}
	if c.duration, err = meter.Float64Histogram("console.upstream.duration",
		metric.WithDescription("Backend request latency"), metric.WithUnit("s")); err != nil {
		c.logger.WarnF("api: create duration histogram: %v", err)
	}
}

// Do executes req for the session bound to ctx. Transport errors and
// 502/503/504 answers are retried for idempotent methods. A 401 answer
// clears the bound session and is returned as is, without a retry.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
			attribute.String("server.address", req.URL.Host),
		),
	)
	defer span.End()
	start := time.Now()

	if err := c.prepareRequest(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	bodyBytes, err := c.readRequestBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.executeWithRetry(ctx, req, bodyBytes)
	c.record(ctx, req.Method, resp, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, resp.Status)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.handle401(ctx, req)
	}
	return resp, nil
}

// prepareRequest applies request hooks, the bearer token and trace headers.
func (c *Client) prepareRequest(ctx context.Context, req *http.Request) error {
	if err := c.applyRequestHooks(req); err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")
	c.injectToken(ctx, req)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return nil
}

// applyRequestHooks applies all request hooks.
func (c *Client) applyRequestHooks(req *http.Request) error {
	for _, hook := range c.requestHooks {
		if err := hook(req); err != nil {
			return fmt.Errorf("request hook failed: %w", err)
		}
	}
	return nil
}

// injectToken sets the bearer token of the bound session. Without a token
// no Authorization header is sent.
func (c *Client) injectToken(ctx context.Context, req *http.Request) {
	b, ok := SessionFrom(ctx)
	if !ok {
		req.Header.Del("Authorization")
		return
	}
	if token := b.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	req.Header.Del("Authorization")
}

// readRequestBody reads the request body once for retries.
func (c *Client) readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}

	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	return bodyBytes, nil
}

// executeWithRetry executes the request with retry logic.
func (c *Client) executeWithRetry(ctx context.Context, req *http.Request, bodyBytes []byte) (*http.Response, error) {
	attempts := 1
	if idempotent(req.Method) {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.waitForRetry(ctx, attempt, attempts); err != nil {
				return nil, err
			}
		}

		resp, err := c.executeRequest(ctx, req, bodyBytes)
		if err != nil {
			lastErr = err
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
				break
			}
			c.logger.WarnFCtx(ctx, "request failed: %v (attempt %d/%d)", err, attempt+1, attempts)
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt < attempts-1 {
			drain(resp)
			c.logger.WarnFCtx(ctx, "request answered %d (attempt %d/%d)", resp.StatusCode, attempt+1, attempts)
			continue
		}

		if err := c.applyResponseHooks(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// waitForRetry waits for the retry delay with exponential backoff.
func (c *Client) waitForRetry(ctx context.Context, attempt, attempts int) error {
	delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
	c.logger.DebugFCtx(ctx, "retrying request after %v (attempt %d/%d)", delay, attempt+1, attempts)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// executeRequest executes a single request attempt through the breaker.
func (c *Client) executeRequest(ctx context.Context, req *http.Request, bodyBytes []byte) (*http.Response, error) {
	reqClone := req.Clone(ctx)
	if len(bodyBytes) > 0 {
		reqClone.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.httpClient.Do(reqClone)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

// applyResponseHooks applies all response hooks.
func (c *Client) applyResponseHooks(resp *http.Response) error {
	for _, hook := range c.responseHooks {
		if err := hook(resp); err != nil {
			return fmt.Errorf("response hook failed: %w", err)
		}
	}
	return nil
}

// handle401 signs the bound session out. The guard sends the operator to
// the login page on the next navigation.
func (c *Client) handle401(ctx context.Context, req *http.Request) {
	b, ok := SessionFrom(ctx)
	if !ok {
		return
	}
	c.logger.InfoFCtx(ctx, "received 401 for %s %s, clearing session", req.Method, req.URL.Path)
	b.Clear()
}

func (c *Client) record(ctx context.Context, method string, resp *http.Response, err error, d time.Duration) {
	class := "error"
	if err == nil && resp != nil {
		class = fmt.Sprintf("%dxx", resp.StatusCode/100)
	}
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("status_class", class),
	)
	if c.requests != nil {
		c.requests.Add(ctx, 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(ctx, d.Seconds(), attrs)
	}
}

// DoJSON performs a request and unmarshals the JSON response into v. A
// non-2xx answer becomes an *HTTPError. An empty or 204 body leaves v untouched.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, v any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newHTTPError(req, resp.StatusCode, bodyBytes)
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetJSON performs a GET request and unmarshals the JSON response.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.DoJSON(ctx, req, v)
}

// PostJSON performs a POST request with JSON body and unmarshals the JSON response.
func (c *Client) PostJSON(ctx context.Context, url string, body any, v any) error {
	req, err := newJSONRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	return c.DoJSON(ctx, req, v)
}

func newJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func retryableStatus(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
