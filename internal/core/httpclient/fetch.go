package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/core/observability"
)

// StatusError is a non-2xx response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
}

// retryDelay is the pause before the single retry.
var retryDelay = 200 * time.Millisecond

// Fetch GETs url and hands the 2xx response to consume. A failed attempt is retried
// once unless the server answered 4xx or ctx is done; consume must therefore
// tolerate being called twice. Transport failures wrap
// model.ErrNetworkUnavailable.
func Fetch(ctx context.Context, c *http.Client, upstream, url string, consume func(*http.Response) error) error {
	return retry.Do(
		func() error {
			start := time.Now()
			err := fetchOnce(ctx, c, url, consume)
			observability.ObserveUpstreamLatency(upstream, time.Since(start).Seconds())
			return err
		},
		retry.Attempts(2),
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status >= 500 || se.Status == http.StatusTooManyRequests
			}
			return !errors.Is(err, context.Canceled)
		}),
		retry.Context(ctx),
	)
}

func fetchOnce(ctx context.Context, c *http.Client, url string, consume func(*http.Response) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("build request: %w", err))
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", model.ErrNetworkUnavailable, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &StatusError{URL: url, Status: resp.StatusCode}
	}
	return consume(resp)
}

// GetBytes is Fetch into memory, capped at limit bytes.
func GetBytes(ctx context.Context, c *http.Client, upstream, url string, limit int64) ([]byte, error) {
	var out []byte
	err := Fetch(ctx, c, upstream, url, func(resp *http.Response) error {
		b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", model.ErrNetworkUnavailable, err)
		}
		if int64(len(b)) > limit {
			return retry.Unrecoverable(fmt.Errorf("GET %s: body exceeds %d bytes", url, limit))
		}
		out = b
		return nil
	})
	return out, err
}
