// Package health checks the upstream API's availability for the connect gate.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/mrz1836/ledgerlink/internal/netutil"
	"github.com/mrz1836/ledgerlink/internal/service/availability"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

// Path is the health endpoint relative to the API base URL.
const Path = "/healthcheck"

// Client queries an API health endpoint through a circuit breaker.
type Client struct {
	http    *netutil.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a health client for the API at baseURL.
func NewClient(baseURL string, opts *netutil.ClientOptions) (*Client, error) {
	c, err := netutil.NewClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		http:    c,
		breaker: netutil.NewCircuitBreaker("health"),
	}, nil
}

// Check fetches the health endpoint. A 200 is normal, 451 is geo-blocked
// and any other status is degraded. The returned error is non-nil only when
// the API could not be reached at all.
func (c *Client) Check(ctx context.Context) (availability.Status, error) {
	reply, err := c.breaker.Execute(func() (interface{}, error) {
		_, err := c.http.Get(ctx, Path)
		var statusErr *netutil.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
			// The API answered, so the breaker sees a success.
			return statusErr, nil
		}
		return nil, err
	})

	if err == nil {
		if statusErr, ok := reply.(*netutil.StatusError); ok {
			return fromStatus(statusErr), nil
		}
		return availability.Normal(), nil
	}

	var statusErr *netutil.StatusError
	switch {
	case errors.As(err, &statusErr):
		return fromStatus(statusErr), nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return availability.Status{}, linkerr.WithSuggestion(
			linkerr.WithCause(linkerr.ErrNetworkError, err),
			"the health API failed repeatedly; try again shortly",
		)
	case ctx.Err() != nil:
		return availability.Status{}, ctx.Err()
	case linkerr.Is(err, linkerr.ErrNetworkError):
		return availability.Status{}, err
	default:
		return availability.Status{}, linkerr.WithCause(linkerr.ErrNetworkError, err)
	}
}

func fromStatus(statusErr *netutil.StatusError) availability.Status {
	msg := message(statusErr.Body)
	if statusErr.StatusCode == http.StatusUnavailableForLegalReasons {
		return availability.GeoBlocked(msg)
	}
	return availability.Degraded(msg)
}

// message extracts a human-readable message from an error body. JSON
// bodies may carry "message" or "error"; plain text is used as is.
func message(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}
	if strings.HasPrefix(body, "<") {
		return ""
	}
	return body
}
