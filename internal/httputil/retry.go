// Package httputil issues GET requests with bounded retries for the release
// API and the archive downloads.
package httputil

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls how failed requests are retried.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (0.3 = ±30%)
}

// DefaultRetryConfig is the policy for release API calls and download
// requests. Catalog fetches fall back to the disk cache, so the budget stays
// small.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// NoRetry performs exactly one attempt.
func NoRetry() RetryConfig {
	return RetryConfig{}
}

// RetryableStatusError is returned when every attempt got a retryable status.
type RetryableStatusError struct {
	StatusCode int
	URL        string
}

func (e *RetryableStatusError) Error() string {
	return fmt.Sprintf("request to %s failed after retries with status %d %s",
		e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// backoff yields successive waits for one request.
type backoff struct {
	cfg  RetryConfig
	next time.Duration
}

func (b *backoff) wait(hint time.Duration) time.Duration {
	d := hint
	if d <= 0 {
		d = jitter(b.next, b.cfg.JitterFrac)
	}
	if b.cfg.MaxDelay > 0 {
		d = min(d, b.cfg.MaxDelay)
	}
	b.next = time.Duration(float64(b.next) * b.cfg.BackoffFactor)
	if b.cfg.MaxDelay > 0 {
		b.next = min(b.next, b.cfg.MaxDelay)
	}
	return d
}

// Get requests url, retrying transport errors, 429 and 5xx responses, and
// GitHub rate-limit 403s. A server-provided delay (Retry-After or the
// rate-limit reset time) replaces the computed backoff, capped at MaxDelay.
// Any other response is returned to the caller as is.
func Get(ctx context.Context, client *http.Client, url string, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	b := backoff{cfg: cfg, next: cfg.InitialDelay}
	var lastErr error
	var hint time.Duration

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d := b.wait(hint)
			log.Debug("retrying request", "attempt", attempt, "delay", d, "url", url)
			if err := sleep(ctx, d); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, vals := range headers {
			req.Header[k] = append(req.Header[k], vals...)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr, hint = err, 0
			continue
		}
		if !retryable(resp) {
			return resp, nil
		}
		hint = serverDelay(resp.Header)
		resp.Body.Close()
		lastErr = &RetryableStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	log.Warn("all retries exhausted", "url", url, "attempts", cfg.MaxRetries+1, logging.KeyError, lastErr)
	return nil, lastErr
}

func retryable(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		return resp.Header.Get("X-RateLimit-Remaining") == "0"
	}
	return false
}

func serverDelay(h http.Header) time.Duration {
	if d := parseRetryAfter(h.Get("Retry-After")); d > 0 {
		return d
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if d := time.Until(time.Unix(reset, 0)); d > 0 {
			return d
		}
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	return max(time.Duration(float64(d)*(1+frac*(2*rand.Float64()-1))), 0)
}
