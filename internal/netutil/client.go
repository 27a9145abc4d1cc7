// Package netutil provides the HTTP plumbing shared by the health-check and
// balance collaborators: per-host rate limiting, retry with backoff, and
// JSON GET requests.
package netutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

const (
	// defaultTimeout is the default HTTP request timeout.
	defaultTimeout = 15 * time.Second

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 1 << 20
)

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// ClientOptions contains optional configuration for Client.
type ClientOptions struct {
	// HTTPClient overrides the default http.Client.
	HTTPClient *http.Client

	// Limiter overrides the default per-host rate limiter.
	Limiter *RateLimiter

	// Retry overrides the default retry configuration.
	Retry *RetryConfig
}

// Client issues rate-limited, retried GET requests against one base URL.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client
	limiter    *RateLimiter
	retry      RetryConfig
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts *ClientOptions) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, linkerr.WithDetails(linkerr.ErrConfigInvalid, map[string]string{"url": baseURL})
	}

	c := &Client{
		baseURL:    strings.TrimRight(parsed.String(), "/"),
		host:       parsed.Host,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    DefaultRateLimiter(),
		retry:      DefaultRetryConfig(),
	}

	if opts != nil {
		if opts.HTTPClient != nil {
			c.httpClient = opts.HTTPClient
		}
		if opts.Limiter != nil {
			c.limiter = opts.Limiter
		}
		if opts.Retry != nil {
			c.retry = *opts.Retry
		}
	}

	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get fetches path relative to the base URL. Non-2xx responses are returned
// as *StatusError; 429 and 5xx responses are retried first.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return Retry(ctx, c.retry, func() (*Response, error) {
		return c.get(ctx, path)
	})
}

// GetJSON fetches path and decodes the 2xx body into v.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*Response, error) {
	if err := c.limiter.Wait(ctx, c.host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, MarkRetryable(linkerr.WithCause(linkerr.ErrNetworkError, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, MarkRetryable(fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, MarkRetryable(statusErr)
		}
		return nil, statusErr
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
