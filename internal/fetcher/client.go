package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/resilience"
)

const (
	maxAttempts = 5
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second

	// Response bodies larger than this indicate something other than a
	// feed payload.
	maxResponseBytes = 64 << 20
)

// Client is the shared upstream HTTP client: one token bucket per source,
// exponential backoff with full jitter, and a circuit breaker around the
// individual requests.
type Client struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	logger  *logger.Logger
}

// NewClient builds a client for one upstream source. interval is the
// minimum spacing between requests (the source's rate-limit rule).
func NewClient(name string, timeout, interval time.Duration, log *logger.Logger) *Client {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	bc := resilience.DefaultBreakerConfig(name)
	bc.OnStateChange = func(name string, from, to resilience.State) {
		log.Warn("circuit breaker state change",
			"breaker", name, "from", from.String(), "to", to.String())
	}

	return &Client{
		name:    name,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		breaker: resilience.NewBreaker(bc),
		logger:  log.WithComponent("fetcher." + name),
	}
}

// SetInterval adjusts the request spacing, e.g. when an API key raises the
// upstream quota.
func (c *Client) SetInterval(interval time.Duration) {
	if interval > 0 {
		c.limiter.SetLimit(rate.Every(interval))
	} else {
		c.limiter.SetLimit(rate.Inf)
	}
}

// GetJSON fetches url and decodes the response body into v, retrying
// transient failures per the backoff policy.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, v any) error {
	body, err := c.Get(ctx, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.Wrap(errs.KindMalformedRecord, "decoding response from "+c.name, err)
	}
	return nil
}

// Get fetches url with retries. 5xx and network errors back off with full
// jitter; 429 honors Retry-After; other 4xx are not retried.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt, lastErr)
			c.logger.Debug("retrying upstream request",
				"url", url, "attempt", attempt, "delay", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.KindCancelled, "fetch aborted", ctx.Err())
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, "fetch aborted", err)
		}

		body, err := c.once(ctx, url, headers)
		if err == nil {
			return body, nil
		}
		if errs.IsCancelled(err) || !errs.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

func (c *Client) once(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	var body []byte

	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errs.Wrap(errs.KindNonRetryableConfig, "building request", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "openthreat/1.0")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return errs.Wrap(errs.KindCancelled, "fetch aborted", ctx.Err())
			}
			return errs.Wrap(errs.KindTransientUpstream, "request to "+c.name, err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(c.name, resp); err != nil {
			// Drain so the connection can be reused.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return err
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return errs.Wrap(errs.KindTransientUpstream, "reading response from "+c.name, err)
		}
		return nil
	})

	var open *resilience.BreakerOpenError
	if errors.As(err, &open) {
		return nil, errs.RateLimitedAfter("circuit open for "+c.name, open.RetryAfter())
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func classifyStatus(name string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.RateLimitedAfter(
			fmt.Sprintf("%s returned 429", name),
			parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return errs.New(errs.KindTransientUpstream,
			fmt.Sprintf("%s returned %d", name, resp.StatusCode))
	default:
		return errs.New(errs.KindMalformedRecord,
			fmt.Sprintf("%s rejected request with %d", name, resp.StatusCode))
	}
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// retryDelay computes full-jitter exponential backoff, preferring an
// upstream Retry-After hint when one was given.
func retryDelay(attempt int, lastErr error) time.Duration {
	var e *errs.Error
	if errors.As(lastErr, &e) && e.RetryAfter > 0 {
		if e.RetryAfter > backoffCap {
			return backoffCap
		}
		return e.RetryAfter
	}

	ceil := backoffBase << (attempt - 1)
	if ceil > backoffCap {
		ceil = backoffCap
	}
	return time.Duration(rand.Float64() * float64(ceil))
}
