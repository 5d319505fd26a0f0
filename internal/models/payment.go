package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerInfo is the optional payer block sent with a payment request.
type CustomerInfo struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// InitiatePaymentRequest is the body of POST /payment/initiate.
type InitiatePaymentRequest struct {
	Items        []CartItem    `json:"items"`
	CustomerInfo *CustomerInfo `json:"customerInfo,omitempty"`
	OrderID      string        `json:"orderId,omitempty"`
	Reference    string        `json:"reference,omitempty"`
}

// CartItem is an item as sent by the terminal. Price stays a float on the
// wire; it is converted to a decimal during validation.
type CartItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// InitiatePaymentResponse is the reply of POST /payment/initiate.
type InitiatePaymentResponse struct {
	Success    bool   `json:"success"`
	OrderID    string `json:"orderId,omitempty"`
	PaymentURL string `json:"paymentUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SessionStatus is the order block of GET /payment/:orderId/status.
type SessionStatus struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Total     decimal.Decimal `json:"total"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	PaidAt    *time.Time      `json:"paidAt,omitempty"`
}

// StatusResponse is the reply of GET /payment/:orderId/status.
type StatusResponse struct {
	Success bool           `json:"success"`
	Order   *SessionStatus `json:"order,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ErrorResponse is the generic failure body.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
