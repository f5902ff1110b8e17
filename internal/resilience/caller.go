package resilience

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	appErr "github.com/killhouse/engine/pkg/errors"
	"github.com/killhouse/engine/pkg/logger"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a call is refused without touching the
// network because the guarding breaker is open.
var ErrCircuitOpen = appErr.New(appErr.CodeUnavailable, "circuit breaker open")

// Response is the outcome of a delivered request. Body is fully read and the
// underlying connection released before Do returns.
type Response struct {
	StatusCode int
	Body       []byte
}

// Caller wraps a single outbound HTTP request with a per-attempt timeout, a
// bounded retry schedule, and optional circuit-breaker gating.
//
// Retry rules: 4xx responses are terminal client errors, never retried, and
// count as successful delivery toward the breaker since the remote service
// answered. 5xx responses and transport errors are retried up to MaxRetries
// times, waiting the scheduled delay between attempts (the last schedule
// entry is reused when attempts outnumber entries).
type Caller struct {
	Timeout     time.Duration
	MaxRetries  int
	RetryDelays []time.Duration
	Breaker     *Breaker

	// RetryOn decides whether a delivered response should be retried.
	// Defaults to retrying HTTP 5xx. A 4xx is never retried regardless.
	RetryOn func(status int) bool

	client *http.Client
	sleep  func(context.Context, time.Duration) error
}

// NewCaller returns a caller with the default 30s timeout and a
// [2s, 5s] retry schedule over 2 retries.
func NewCaller() *Caller {
	return &Caller{
		Timeout:     30 * time.Second,
		MaxRetries:  2,
		RetryDelays: []time.Duration{2 * time.Second, 5 * time.Second},
		client:      &http.Client{},
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Caller) retryable(status int) bool {
	if status >= 400 && status < 500 {
		return false
	}
	if c.RetryOn != nil {
		return c.RetryOn(status)
	}
	return status >= 500
}

func (c *Caller) delayFor(attempt int) time.Duration {
	if len(c.RetryDelays) == 0 {
		return 0
	}
	if attempt >= len(c.RetryDelays) {
		return c.RetryDelays[len(c.RetryDelays)-1]
	}
	return c.RetryDelays[attempt]
}

// Do performs the request, retrying per the caller's schedule. The provided
// body is re-sent on every attempt.
func (c *Caller) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	if c.Breaker != nil && !c.Breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}

	var lastErr error
	attempts := c.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.delayFor(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		resp, err := c.attempt(ctx, method, url, body, header)
		if err != nil {
			lastErr = err
			logger.L().Warn("outbound request attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		if c.retryable(resp.StatusCode) {
			lastErr = appErr.Newf(appErr.CodeUnavailable,
				"upstream returned %d", resp.StatusCode).
				WithMeta("status", resp.StatusCode)
			continue
		}

		// Delivered: 2xx/3xx, or a 4xx the remote service chose to send.
		if c.Breaker != nil {
			c.Breaker.MarkSuccess()
		}
		return resp, nil
	}

	if c.Breaker != nil {
		c.Breaker.MarkFailure()
	}
	if lastErr == nil {
		lastErr = appErr.New(appErr.CodeUnavailable, "request failed")
	}
	return nil, lastErr
}

func (c *Caller) attempt(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	attemptCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, rd)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "build request")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "read response body")
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
