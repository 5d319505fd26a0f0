// Package reconcile confirms terminal payment decisions with the backend,
// prints receipts and writes paid orders back to the order repository.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"posbridge/internal/interpreter"
	"posbridge/internal/models"
	"posbridge/internal/posclient"
	"posbridge/internal/printer"
	"posbridge/internal/repository"
)

// Kind is the branch a decision ended in.
type Kind string

const (
	KindPaid         Kind = "paid"
	KindUnverifiable Kind = "unverifiable"
	KindFailed       Kind = "failed"
	KindCancelled    Kind = "cancelled"
)

const (
	MethodCard = "Credit Card (CMI)"
	MethodCash = "Cash"
)

// StatusSource answers with the authoritative session status.
type StatusSource interface {
	OrderStatus(ctx context.Context, orderID string) (*models.SessionStatus, error)
}

// BackendCanceller asks the backend to fail a session.
type BackendCanceller interface {
	Cancel(ctx context.Context, orderID string) error
}

// OrderStore is the shared order repository.
type OrderStore interface {
	MarkPaid(ctx context.Context, id string, update repository.PaymentUpdate) error
}

// Attempt is one payment the terminal started.
type Attempt struct {
	OrderID       string // payment session id
	Reference     string // repository order id, optional
	Items         models.LineItems
	CustomerName  string
	PaymentMethod string
}

// Result is what the operator is told.
type Result struct {
	OrderID      string
	Reference    string
	Kind         Kind
	Message      string
	PrintWarning string
	PaidAt       *time.Time
}

type attemptState struct {
	Attempt
	kind Kind
}

// Options configure a Reconciler.
type Options struct {
	Timeout time.Duration
	Store   printer.Store
}

type Reconciler struct {
	status    StatusSource
	canceller BackendCanceller
	orders    OrderStore
	printer   printer.Printer
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptState
}

func New(status StatusSource, canceller BackendCanceller, orders OrderStore, p printer.Printer, opts Options, logger *zap.Logger) *Reconciler {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Reconciler{
		status:    status,
		canceller: canceller,
		orders:    orders,
		printer:   p,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		attempts:  make(map[string]*attemptState),
	}
}

// Track registers an attempt before the payment page opens.
func (r *Reconciler) Track(a Attempt) {
	if a.PaymentMethod == "" {
		a.PaymentMethod = MethodCard
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[a.OrderID] = &attemptState{Attempt: a}
}

// Kind returns the local state of a tracked attempt; empty while undecided.
func (r *Reconciler) Kind(orderID string) Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.attempts[orderID]; ok {
		return st.kind
	}
	return ""
}

func (r *Reconciler) lookup(orderID string) (Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.attempts[orderID]
	if !ok {
		return Attempt{}, false
	}
	return st.Attempt, true
}

func (r *Reconciler) settle(orderID string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.attempts[orderID]; ok {
		st.kind = kind
	}
}

// Handle acts on an interpreter decision.
func (r *Reconciler) Handle(ctx context.Context, d interpreter.Decision) Result {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var res Result
	switch d.Classification {
	case interpreter.Success:
		res = r.confirm(ctx, d.OrderID)
	case interpreter.Failure:
		r.settle(d.OrderID, KindFailed)
		res = Result{OrderID: d.OrderID, Kind: KindFailed, Message: "Payment failed. Please try again or use another payment method."}
	case interpreter.Cancelled:
		res = r.cancel(ctx, d.OrderID)
	default:
		res = Result{OrderID: d.OrderID, Kind: KindUnverifiable, Message: "Unknown payment signal. Please check the payment manually."}
	}

	if a, ok := r.lookup(d.OrderID); ok {
		res.Reference = a.Reference
	}
	r.log(res)
	return res
}

func (r *Reconciler) confirm(ctx context.Context, orderID string) Result {
	a, ok := r.lookup(orderID)
	if !ok {
		return Result{OrderID: orderID, Kind: KindUnverifiable, Message: "Payment reported for an order this terminal did not start. Please check manually."}
	}

	st, err := r.status.OrderStatus(ctx, orderID)
	if err != nil {
		r.settle(orderID, KindUnverifiable)
		r.logger.Warn("Payment status unavailable", zap.String("order_id", orderID), zap.Error(err))
		if errors.Is(err, posclient.ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
			return Result{OrderID: orderID, Kind: KindUnverifiable, Message: "Unable to verify payment status. Please contact support before releasing the order."}
		}
		return Result{OrderID: orderID, Kind: KindUnverifiable, Message: "Payment could not be verified. Please check the payment manually."}
	}

	if st.Status != "paid" {
		r.settle(orderID, KindUnverifiable)
		return Result{OrderID: orderID, Kind: KindUnverifiable, Message: fmt.Sprintf("Payment not confirmed by the gateway (status %s). Please check manually.", st.Status)}
	}
	if total := a.Items.Total(); !total.Equal(st.Total) {
		r.settle(orderID, KindUnverifiable)
		return Result{OrderID: orderID, Kind: KindUnverifiable, Message: fmt.Sprintf("Paid amount %s does not match order total %s. Please check manually.", st.Total.StringFixed(2), total.StringFixed(2))}
	}

	paidAt := r.now()
	if st.PaidAt != nil {
		paidAt = *st.PaidAt
	}
	r.settle(orderID, KindPaid)
	return r.finish(ctx, a, paidAt, orderID)
}

// finish prints the receipt and writes the payment back. The write-back
// happens whatever the printer did.
func (r *Reconciler) finish(ctx context.Context, a Attempt, paidAt time.Time, gatewayOrderID string) Result {
	base := "Payment successful."
	if a.PaymentMethod == MethodCash {
		base = "Cash payment recorded."
	}
	res := Result{OrderID: a.OrderID, Kind: KindPaid, PaidAt: &paidAt, Message: base + " Receipt printed."}

	job := printer.NewJob(a.OrderID, a.Items, a.PaymentMethod, paidAt, a.CustomerName, r.opts.Store)
	if err := r.printer.Print(ctx, job); err != nil {
		r.logger.Warn("Receipt not printed", zap.String("order_id", a.OrderID), zap.Error(err))
		res.PrintWarning = "Payment recorded but the receipt could not be printed. Please reprint or hand-write a receipt."
		res.Message = base
	}

	if a.Reference == "" || r.orders == nil {
		return res
	}
	err := r.orders.MarkPaid(ctx, a.Reference, repository.PaymentUpdate{
		Method:         a.PaymentMethod,
		GatewayOrderID: gatewayOrderID,
		PaidAt:         paidAt,
	})
	if err != nil {
		r.logger.Error("Order write-back failed",
			zap.String("order_id", a.OrderID),
			zap.String("reference", a.Reference),
			zap.Error(err),
		)
		res.Message += " The order could not be updated; please mark it paid manually."
	}
	return res
}

func (r *Reconciler) cancel(ctx context.Context, orderID string) Result {
	r.settle(orderID, KindCancelled)
	if r.canceller != nil {
		if err := r.canceller.Cancel(ctx, orderID); err != nil {
			r.logger.Warn("Backend cancel not applied", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return Result{OrderID: orderID, Kind: KindCancelled, Message: "Payment cancelled."}
}

// SettleCash records a cash payment for a tracked or ad-hoc attempt.
func (r *Reconciler) SettleCash(ctx context.Context, a Attempt) Result {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	a.PaymentMethod = MethodCash
	r.Track(a)
	r.settle(a.OrderID, KindPaid)

	res := r.finish(ctx, a, r.now(), "")
	res.Reference = a.Reference
	r.log(res)
	return res
}

func (r *Reconciler) log(res Result) {
	fields := []zap.Field{
		zap.String("order_id", res.OrderID),
		zap.String("reference", res.Reference),
		zap.String("kind", string(res.Kind)),
		zap.String("message", res.Message),
	}
	if res.PrintWarning != "" {
		fields = append(fields, zap.String("print_warning", res.PrintWarning))
	}
	r.logger.Info("Payment reconciled", fields...)
}
