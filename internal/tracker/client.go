// Package tracker implements the HTTP client for the remote issue tracker.
//
// The core consumes two capabilities: listing issue references matching a
// query string (paginated) and fetching one issue with its comments. The
// client retries transient failures with exponential backoff and honors
// Retry-After on 429 responses.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the tracker reports a missing issue.
var ErrNotFound = errors.New("tracker: not found")

// PermanentError wraps a non-retryable HTTP failure (4xx other than 404,
// which returns ErrNotFound, and 429, which is retried).
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("tracker: HTTP %d: %s", e.StatusCode, e.Body)
}

const defaultMaxRetries = 4

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	log        *logrus.Entry
}

// NewClient creates a tracker client. The token is opaque credential
// material placed on the Authorization header.
func NewClient(baseURL, token string) *Client {
	// Sustained 2 req/sec with a burst of 20 covers cold-start listing
	// bursts without tripping server-side limits.
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 20),
		maxRetries: defaultMaxRetries,
		log:        logrus.WithField("component", "tracker"),
	}
}

// SetMaxRetries overrides the retry budget (for testing).
func (c *Client) SetMaxRetries(n int) {
	c.maxRetries = n
}

// SearchPage fetches one page of issue references matching query.
// Use cursor="" for the first page.
func (c *Client) SearchPage(ctx context.Context, query, cursor string, limit int) (SearchPage, error) {
	req := map[string]any{"query": query, "limit": limit}
	if cursor != "" {
		req["cursor"] = cursor
	}

	var page SearchPage
	if err := c.do(ctx, http.MethodPost, "/api/v1/search", req, &page); err != nil {
		return SearchPage{}, err
	}
	return page, nil
}

// GetIssue fetches the full record for one issue.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, "/api/v1/issues/"+url.PathEscape(key), nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ValidateQuery asks the tracker whether a query string parses.
func (c *Client) ValidateQuery(ctx context.Context, query string) error {
	var result struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/search/validate", map[string]any{"query": query}, &result); err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("invalid query: %s", result.Error)
	}
	return nil
}

// do performs one logical request with rate limiting and bounded retries.
// 429 and 5xx responses retry with exponential backoff; a 429 Retry-After
// header stretches the delay when it exceeds the backoff schedule.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			var ra retryAfterError
			if errors.As(lastErr, &ra) && ra.delay > delay {
				delay = ra.delay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait cancelled: %w", err)
		}

		retryable, err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		c.log.WithFields(logrus.Fields{
			"method":  method,
			"path":    path,
			"attempt": attempt + 1,
		}).Warnf("request failed, will retry: %v", err)
	}

	return fmt.Errorf("tracker: retries exhausted for %s %s: %w", method, path, lastErr)
}

// once performs a single HTTP exchange. The bool result reports whether the
// failure is retryable.
func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) (bool, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return false, fmt.Errorf("parse response: %w", err)
			}
		}
		return false, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return true, retryAfterError{delay: delay, body: string(respBody)}
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("tracker: HTTP %d: %s", resp.StatusCode, string(respBody))
	default:
		return false, &PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
}

type retryAfterError struct {
	delay time.Duration
	body  string
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("tracker: HTTP 429 (retry after %s): %s", e.delay, e.body)
}

// parseRetryAfter interprets a Retry-After header value. Accepted forms:
// integer seconds, fractional seconds, and an HTTP-date. Returns 0 when the
// header is absent or unparseable.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
