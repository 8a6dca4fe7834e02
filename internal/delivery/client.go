// Package delivery posts decoded resources to the downstream gateway.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/minasoft/hl7-bridge/internal/fhir"
	"github.com/minasoft/hl7-bridge/internal/metrics"
)

const contentType = "application/fhir+json"

// StatusError is returned when the gateway answers outside 2xx.
type StatusError struct {
	StatusCode   int
	ResourceType string
	Body         string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delivery: gateway returned %d for %s", e.StatusCode, e.ResourceType)
}

// ErrCircuitOpen is returned without calling the gateway while the
// breaker is open.
var ErrCircuitOpen = errors.New("delivery: gateway circuit open")

type Options struct {
	// Timeout bounds each call when the caller's context has no deadline.
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	HTTPClient  *http.Client
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return o
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	opts    Options
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewClient(baseURL string, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Client {
	opts = opts.withDefaults()
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		http:    opts.HTTPClient,
		logger:  logger.With().Str("component", "delivery").Logger(),
		metrics: m,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if c.metrics != nil {
				c.metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			}
		},
		IsSuccessful: isSuccessful,
	})
	return c
}

// Deliver posts one resource to {base}/api/fhir/{ResourceType}. There is
// no retry; the breaker fails fast while the gateway is down.
func (c *Client) Deliver(ctx context.Context, r fhir.Resource) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	resourceType := r.GetResourceType()
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("delivery: failed to encode %s: %w", resourceType, err)
	}

	start := time.Now()
	_, err = c.cb.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, resourceType, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	c.observe(resourceType, start, err)
	return err
}

func (c *Client) post(ctx context.Context, resourceType string, body []byte) error {
	url := c.baseURL + "/api/fhir/" + resourceType
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delivery: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delivery: %s: %w", resourceType, err)
	}
	defer resp.Body.Close()

	// Read at most 1KB of response body.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, ResourceType: resourceType, Body: string(respBody)}
	}
	return nil
}

func (c *Client) observe(resourceType string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "delivered"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		outcome = "circuit_open"
	case err != nil:
		outcome = "failed"
	}
	c.metrics.Deliveries.WithLabelValues(resourceType, outcome).Inc()
	c.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
}

// State reports the breaker state as closed, open or half-open.
func (c *Client) State() string {
	return c.cb.State().String()
}

// isSuccessful keeps client-side rejections and caller cancellations from
// tripping the breaker: only transport failures and 5xx count.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode < 500
	}
	return false
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
