// Package delivery wraps every outbound POST to the chat gateway in a
// bounded retry policy.
//
// The retry split is the point of this package: connection-level
// failures (refused, reset, unreachable, closed without a response) are
// retried after a fixed delay up to MaxAttempts total attempts, while
// every other failure aborts immediately. Retrying a malformed request
// only burns the attempt budget on an error a retry cannot fix.
//
// An HTTP response of any status is a successful delivery at this
// layer; interpreting the status is the caller's business.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/qqbot-ha/internal/httpkit"
)

// Sentinel errors returned (wrapped) by [Client.Deliver]. Match with
// errors.Is.
var (
	// ErrRetryExhausted means every attempt failed at the connection level.
	ErrRetryExhausted = errors.New("delivery retries exhausted")

	// ErrNonRetryable means the request failed in a way retrying cannot fix.
	ErrNonRetryable = errors.New("delivery failed")
)

// maxResponseBody caps how much of the gateway's reply is kept.
const maxResponseBody = 1 << 20

// RetryPolicy bounds the attempts made by [Client.Deliver]. It is
// immutable after configuration load.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy is three attempts one second apart.
var DefaultPolicy = RetryPolicy{MaxAttempts: 3, Delay: time.Second}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Response is the gateway's reply to a delivered request.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Error describes a failed delivery. It matches [ErrRetryExhausted] or
// [ErrNonRetryable] via errors.Is and unwraps to the last underlying
// cause.
type Error struct {
	URL      string
	Attempts int
	kind     error
	cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v after %d attempt(s) to %s: %v", e.kind, e.Attempts, e.URL, e.cause)
}

// Is matches the error's kind sentinel.
func (e *Error) Is(target error) bool { return target == e.kind }

func (e *Error) Unwrap() error { return e.cause }

// Client performs deliveries. The zero value is not usable; use [New].
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a delivery client. A nil httpClient gets the shared
// httpkit client; a nil logger uses slog.Default.
func New(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Deliver POSTs payload to url with headers, retrying connection-level
// failures per policy. It blocks for up to (MaxAttempts-1)*Delay plus
// request time; callers on latency-sensitive goroutines should go
// through a [Dispatcher] instead.
func (c *Client) Deliver(ctx context.Context, url string, payload []byte, headers map[string]string, policy RetryPolicy) (*Response, error) {
	max := policy.attempts()

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		resp, err := c.attempt(ctx, url, payload, headers)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("delivery succeeded after retry",
					"url", url,
					"attempts", attempt,
					"last_error", lastErr,
				)
			}
			return resp, nil
		}

		if !httpkit.IsConnectionError(err) || ctx.Err() != nil {
			return nil, &Error{URL: url, Attempts: attempt, kind: ErrNonRetryable, cause: err}
		}
		lastErr = err

		if attempt == max {
			break
		}

		c.logger.Warn("delivery attempt failed, retrying",
			"url", url,
			"attempt", attempt,
			"max_attempts", max,
			"delay", policy.Delay,
			"error", err,
		)
		if err := c.sleep(ctx, policy.Delay); err != nil {
			return nil, &Error{URL: url, Attempts: attempt, kind: ErrNonRetryable, cause: err}
		}
	}

	c.logger.Error("delivery retries exhausted",
		"url", url,
		"attempts", max,
		"error", lastErr,
	)
	return nil, &Error{URL: url, Attempts: max, kind: ErrRetryExhausted, cause: lastErr}
}

// attempt makes a single POST. The request is rebuilt each time so the
// body reader is fresh.
func (c *Client) attempt(ctx context.Context, url string, payload []byte, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	// The gateway has the request once a status line arrives. A broken
	// body is not worth a duplicate message, so it never retries.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.logger.Warn("delivery response body truncated",
			"url", url,
			"status", resp.StatusCode,
			"read_bytes", len(body),
			"error", err,
		)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
