package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"posbridge/internal/models"
)

// Status is the lifecycle state of a payment session.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Outcome is an authoritative result applied through MarkResult.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeDeclined  Outcome = "declined"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
)

// Status returns the session status the outcome leads to.
func (o Outcome) Status() Status {
	if o == OutcomeApproved {
		return StatusPaid
	}
	return StatusFailed
}

// NewSession carries everything needed to register a payment attempt.
type NewSession struct {
	OrderID   string
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Items     models.LineItems
	Customer  models.CustomerInfo
	Nonce     string
	Signature string
}

// Session is a snapshot of one payment attempt. The broker owns the live
// record; callers only ever see copies.
type Session struct {
	OrderID        string
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	Items          models.LineItems
	Customer       models.CustomerInfo
	Nonce          string
	Signature      string
	Status         Status
	FailureReason  Outcome
	CreatedAt      time.Time
	PaidAt         *time.Time
	GatewayPayload map[string]string
}

func (s *Session) clone() Session {
	out := *s
	if s.Items != nil {
		out.Items = append(models.LineItems(nil), s.Items...)
	}
	if s.PaidAt != nil {
		paidAt := *s.PaidAt
		out.PaidAt = &paidAt
	}
	if s.GatewayPayload != nil {
		out.GatewayPayload = make(map[string]string, len(s.GatewayPayload))
		for k, v := range s.GatewayPayload {
			out.GatewayPayload[k] = v
		}
	}
	return out
}
