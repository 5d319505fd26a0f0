package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retryable reports whether the request is worth repeating.
func (e *StatusError) Retryable() bool {
	return e.Code >= http.StatusInternalServerError
}

// Client wraps resty for requests to the payment backend and notification APIs.
// Network errors and 5xx responses are retried with capped exponential
// backoff; 4xx responses are returned immediately.
type Client struct {
	r *resty.Client
}

// New creates a new HTTP client with sensible defaults.
func New() *Client {
	r := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{r: r}
}

// WithBaseURL sets the URL relative paths are resolved against.
func (c *Client) WithBaseURL(url string) *Client {
	c.r.SetBaseURL(url)
	return c
}

// WithTimeout sets a per-attempt timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.r.SetTimeout(d)
	return c
}

// WithRetry sets the number of attempts and the backoff bounds. attempts
// counts the first try.
func (c *Client) WithRetry(attempts int, wait, maxWait time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	c.r.SetRetryCount(attempts - 1).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(maxWait)
	return c
}

// WithHeader sets a custom header.
func (c *Client) WithHeader(key, value string) *Client {
	c.r.SetHeader(key, value)
	return c
}

// GetJSON sends a GET request and decodes a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	resp, err := c.r.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(out).
		Get(url)
	return checkResponse(resp, err)
}

// PostJSON sends body as JSON and decodes a 2xx JSON body into out, which
// may be nil.
func (c *Client) PostJSON(ctx context.Context, url string, body, out interface{}) error {
	req := c.r.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(url)
	return checkResponse(resp, err)
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode(), Body: resp.Body()}
	}
	return nil
}
