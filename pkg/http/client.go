// Package http is the venue REST client: signed requests behind a failsafe
// retry policy and circuit breaker, traced and metered per route.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode"

	apperrors "algotrader/pkg/errors"
	"algotrader/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request) error
}

// HeaderSigner sets static headers (API keys, session tokens) on every request
type HeaderSigner map[string]string

func (h HeaderSigner) SignRequest(req *http.Request) error {
	for k, v := range h {
		req.Header.Set(k, v)
	}
	return nil
}

// Options tunes the resilience pipeline
type Options struct {
	// MaxRetries of zero disables transport retries. Callers talking to a venue
	// without client-id deduplication must not retry order submissions.
	MaxRetries   int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	BreakerDelay time.Duration
}

// DefaultOptions mirrors the standard retry and breaker settings
func DefaultOptions() Options {
	return Options{
		MaxRetries:   3,
		BackoffMin:   100 * time.Millisecond,
		BackoffMax:   2 * time.Second,
		BreakerDelay: 10 * time.Second,
	}
}

// Client is a wrapper around http.Client with resilience
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	return NewClientWithOptions(baseURL, timeout, signer, DefaultOptions())
}

// NewClientWithOptions creates a client with explicit retry settings
func NewClientWithOptions(baseURL string, timeout time.Duration, signer Signer, opts Options) *Client {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.BreakerDelay <= 0 {
		opts.BreakerDelay = 10 * time.Second
	}

	// Retry on network errors, 5xx and 429
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(opts.BackoffMin, opts.BackoffMax).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(opts.BreakerDelay).
		Build()

	meter := telemetry.GetMeter("venue-http")
	reqCounter, _ := meter.Int64Counter("venue_http_requests_total",
		metric.WithDescription("Requests sent to the venue API"))
	errCounter, _ := meter.Int64Counter("venue_http_errors_total",
		metric.WithDescription("Venue API requests that failed or returned an error status"))
	latencyHist, _ := meter.Float64Histogram("venue_http_request_duration_seconds",
		metric.WithDescription("Venue API latency including retries"))

	return &Client{
		client:      &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		signer:      signer,
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		tracer:      telemetry.GetTracer("venue-http"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

// Post sends a POST request with a JSON body
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w: %w", err, apperrors.ErrNotSent)
		}
	}
	return c.do(ctx, http.MethodPost, path, nil, payload)
}

// Delete sends a DELETE request
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, params, nil)
}

// newRequest builds a fresh request per attempt so bodies can be replayed
func (c *Client) newRequest(ctx context.Context, method, path string, params map[string]string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w: %w", err, apperrors.ErrNotSent)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w: %w", err, apperrors.ErrNotSent)
		}
	}
	return req, nil
}

// routeOf replaces path segments holding digits (order ids) so metric labels stay bounded
func routeOf(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if strings.IndexFunc(seg, unicode.IsDigit) >= 0 && !(len(seg) == 2 && seg[0] == 'v') {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

// neverSent reports errors raised before any byte reached the server
func neverSent(err error) bool {
	if errors.Is(err, apperrors.ErrNotSent) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, payload []byte) ([]byte, error) {
	start := time.Now()
	route := routeOf(path)

	ctx, span := c.tracer.Start(ctx, method+" "+route,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
	defer span.End()

	labels := []attribute.KeyValue{attribute.String("method", method), attribute.String("route", route)}
	attrs := metric.WithAttributes(labels...)

	// set once any attempt may have reached the server
	var reached bool
	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := c.newRequest(ctx, method, path, params, payload)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err == nil || !neverSent(err) {
			reached = true
		}
		if err == nil && exec.Attempts() > 1 {
			span.SetAttributes(attribute.Int("http.attempts", exec.Attempts()))
		}
		if err == nil && resp.StatusCode >= 500 {
			// Drain so the connection can be reused across retries
			_, _ = io.Copy(io.Discard, resp.Body)
		}
		return resp, err
	})

	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(append(labels, attribute.String("error", "pipeline_failed"))...))
		if resp != nil {
			resp.Body.Close()
			return nil, &APIError{StatusCode: resp.StatusCode}
		}
		if !reached {
			return nil, fmt.Errorf("request failed: %w: %w", err, apperrors.ErrNotSent)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(append(labels, attribute.Int("status", resp.StatusCode))...))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return body, nil
}
