// Package posclient is the terminal's typed client for the payment backend.
package posclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"posbridge/internal/models"
	"posbridge/internal/pkg/httpclient"
)

var (
	// ErrNetwork means the backend could not be reached or kept failing
	// after every retry.
	ErrNetwork        = errors.New("posclient: backend unreachable")
	ErrNotFound       = errors.New("posclient: payment not found")
	ErrDuplicateOrder = errors.New("posclient: order already has a payment session")
	ErrConflict       = errors.New("posclient: payment already settled")
)

// APIError is a 4xx reply the backend explained.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("posclient: backend rejected request (%d): %s", e.Code, e.Message)
}

// Options configure retries for idempotent calls.
type Options struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
}

const userAgent = "posbridge-terminal/1.0"

type Client struct {
	http     *httpclient.Client
	initiate *httpclient.Client
}

// New creates a client for the backend at baseURL. Initiation is never
// retried; status and cancel requests are.
func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		http: httpclient.New().
			WithBaseURL(baseURL).
			WithTimeout(opts.Timeout).
			WithRetry(opts.Attempts, opts.Backoff, opts.MaxBackoff).
			WithHeader("User-Agent", userAgent),
		initiate: httpclient.New().
			WithBaseURL(baseURL).
			WithTimeout(opts.Timeout).
			WithRetry(1, 0, 0).
			WithHeader("User-Agent", userAgent),
	}
}

// Initiate opens a payment session and returns its hosted page URL.
func (c *Client) Initiate(ctx context.Context, req models.InitiatePaymentRequest) (*models.InitiatePaymentResponse, error) {
	var out models.InitiatePaymentResponse
	if err := c.initiate.PostJSON(ctx, "/payment/initiate", req, &out); err != nil {
		return nil, classify(err, ErrDuplicateOrder)
	}
	if !out.Success || out.PaymentURL == "" {
		return nil, &APIError{Code: 200, Message: out.Error}
	}
	return &out, nil
}

// OrderStatus asks the backend for the authoritative session status.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*models.SessionStatus, error) {
	var out models.StatusResponse
	if err := c.http.GetJSON(ctx, "/payment/"+url.PathEscape(orderID)+"/status", &out); err != nil {
		return nil, classify(err, ErrConflict)
	}
	if !out.Success || out.Order == nil {
		return nil, &APIError{Code: 200, Message: out.Error}
	}
	return out.Order, nil
}

// Cancel asks the backend to fail a pending session.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if err := c.http.PostJSON(ctx, "/payment/"+url.PathEscape(orderID)+"/cancel", nil, nil); err != nil {
		return classify(err, ErrConflict)
	}
	return nil
}

// classify maps transport and status errors onto the package sentinels.
// conflict is the sentinel a 409 stands for on this route.
func classify(err error, conflict error) error {
	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	var body models.ErrorResponse
	_ = json.Unmarshal(se.Body, &body)

	switch {
	case se.Retryable():
		return fmt.Errorf("%w: status %d", ErrNetwork, se.Code)
	case se.Code == 404:
		return fmt.Errorf("%w: %s", ErrNotFound, body.Error)
	case se.Code == 409:
		return fmt.Errorf("%w: %s", conflict, body.Error)
	default:
		return &APIError{Code: se.Code, Message: body.Error}
	}
}
