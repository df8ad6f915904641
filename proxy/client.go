package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client issues requests against upstream registries, retrying transient
// failures (connection errors, 5xx responses, 429) with exponential
// backoff. Only used for HEAD/GET against upstream manifest and blob
// endpoints, which carry no request body, so retries simply replay the
// same request.
type Client struct {
	http *http.Client

	// MaxRetries caps the number of retry attempts. Zero uses the
	// package default of 3.
	MaxRetries uint64
}

// NewClient returns a Client with a conservative default timeout,
// suitable for upstream registry round trips.
func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: 30 * time.Second}}
}

// Do executes req, retrying on network errors and 5xx/429 responses. The
// returned response's body must be closed by the caller on success.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	maxRetries := c.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	var resp *http.Response
	attempt := func() error {
		r := req.Clone(ctx)
		res, err := c.http.Do(r)
		if err != nil {
			return err
		}
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			res.Body.Close()
			return fmt.Errorf("upstream %s returned %s", req.URL, res.Status)
		}
		resp = res
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return resp, nil
}
