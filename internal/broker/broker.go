// Package broker tracks payment sessions between initiation and the
// gateway's terminal answer. The store is in-memory and rebuilt on every
// process start; the shared order repository stays the durable record.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDuplicateOrder    = errors.New("broker: order already has a payment session")
	ErrNotFound          = errors.New("broker: payment session not found")
	ErrConflictingResult = errors.New("broker: conflicting result for terminal session")
	ErrInvalidSession    = errors.New("broker: invalid session")
)

// Options tune broker behaviour.
type Options struct {
	// ReuseFailedOrderID lets CreateSession replace a failed attempt that
	// carries the same order id. Pending and paid sessions are never replaced.
	ReuseFailedOrderID bool
}

// Broker owns every payment session of the process.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     Options
	now      func() time.Time
	logger   *zap.Logger
}

// New creates an empty broker.
func New(opts Options, logger *zap.Logger) *Broker {
	return &Broker{
		sessions: make(map[string]*Session),
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// CreateSession registers a pending session.
func (b *Broker) CreateSession(_ context.Context, ns NewSession) (Session, error) {
	if ns.OrderID == "" {
		return Session{}, fmt.Errorf("%w: empty order id", ErrInvalidSession)
	}
	if !ns.Amount.IsPositive() {
		return Session{}, fmt.Errorf("%w: amount must be positive", ErrInvalidSession)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.sessions[ns.OrderID]; ok {
		if !(b.opts.ReuseFailedOrderID && existing.Status == StatusFailed) {
			return Session{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, ns.OrderID)
		}
		b.logger.Info("Replacing failed payment session",
			zap.String("order_id", ns.OrderID),
			zap.String("previous_reason", string(existing.FailureReason)),
		)
	}

	s := &Session{
		OrderID:   ns.OrderID,
		Reference: ns.Reference,
		Amount:    ns.Amount.Round(2),
		Currency:  ns.Currency,
		Items:     ns.Items,
		Customer:  ns.Customer,
		Nonce:     ns.Nonce,
		Signature: ns.Signature,
		Status:    StatusPending,
		CreatedAt: b.now(),
	}
	b.sessions[ns.OrderID] = s

	b.logger.Info("Payment session created",
		zap.String("order_id", s.OrderID),
		zap.String("amount", s.Amount.StringFixed(2)),
	)
	return s.clone(), nil
}

// GetStatus returns the current snapshot of a session.
func (b *Broker) GetStatus(_ context.Context, orderID string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[orderID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return s.clone(), nil
}

// MarkResult applies an authoritative outcome. Pending sessions transition
// once; a terminal session accepts the same status again as a no-op and
// rejects anything else with ErrConflictingResult.
func (b *Broker) MarkResult(_ context.Context, orderID string, outcome Outcome, raw map[string]string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[orderID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}

	target := outcome.Status()
	if s.Status.Terminal() {
		if s.Status == target {
			return s.clone(), nil
		}
		b.logger.Warn("Conflicting payment result rejected",
			zap.String("order_id", orderID),
			zap.String("status", string(s.Status)),
			zap.String("outcome", string(outcome)),
		)
		return s.clone(), fmt.Errorf("%w: %s is %s, got %s", ErrConflictingResult, orderID, s.Status, outcome)
	}

	s.Status = target
	if target == StatusPaid {
		paidAt := b.now()
		s.PaidAt = &paidAt
	} else {
		s.FailureReason = outcome
	}
	if raw != nil {
		s.GatewayPayload = make(map[string]string, len(raw))
		for k, v := range raw {
			s.GatewayPayload[k] = v
		}
	}

	b.logger.Info("Payment session settled",
		zap.String("order_id", orderID),
		zap.String("status", string(s.Status)),
		zap.String("outcome", string(outcome)),
	)
	return s.clone(), nil
}

// Cancel marks a pending session as cancelled by the operator.
func (b *Broker) Cancel(ctx context.Context, orderID string) (Session, error) {
	return b.MarkResult(ctx, orderID, OutcomeCancelled, nil)
}

// ExpirePending fails every session still pending after maxAge and returns
// their order ids.
func (b *Broker) ExpirePending(_ context.Context, maxAge time.Duration) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-maxAge)
	var expired []string
	for id, s := range b.sessions {
		if s.Status == StatusPending && s.CreatedAt.Before(cutoff) {
			s.Status = StatusFailed
			s.FailureReason = OutcomeExpired
			expired = append(expired, id)
		}
	}
	return expired
}

// Counts returns the number of sessions per status.
func (b *Broker) Counts() map[Status]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := map[Status]int{StatusPending: 0, StatusPaid: 0, StatusFailed: 0}
	for _, s := range b.sessions {
		counts[s.Status]++
	}
	return counts
}
