// Package httpx wraps outbound provider calls: per-call timeouts, bounded
// exponential backoff and a shared rate limiter.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Client issues provider requests with retry.
type Client struct {
	HTTP    *http.Client
	Retries int           // retries after the first attempt
	Backoff time.Duration // first backoff, doubled per retry
	Timeout time.Duration // per attempt
	Limiter *rate.Limiter // optional
}

// NewClient builds a Client. rps <= 0 disables rate limiting.
func NewClient(timeout time.Duration, retries int, rps float64) *Client {
	c := &Client{
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Retries: retries,
		Backoff: 200 * time.Millisecond,
		Timeout: timeout,
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// Retryable reports whether err is worth another attempt: network errors,
// timeouts of a single attempt, 429 and 5xx gateway responses.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Do runs makeReq and decodes the body with decode, retrying transient
// failures with exponential backoff while respecting ctx.
func (c *Client) Do(ctx context.Context, makeReq func(ctx context.Context) (*http.Request, error), decode func(io.Reader) error) error {
	attempts := c.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := c.once(ctx, makeReq, decode)
		if err == nil {
			return nil
		}
		lastErr = err
		// the caller's own deadline is final; only per-attempt timeouts retry
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) || attempt == attempts {
			return lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, makeReq func(ctx context.Context) (*http.Request, error), decode func(io.Reader) error) error {
	actx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := makeReq(actx)
	if err != nil {
		return fmt.Errorf("make request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if decode == nil {
		return nil
	}
	return decode(resp.Body)
}
