package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"posbridge/internal/interpreter"
	"posbridge/internal/models"
	"posbridge/internal/posclient"
	"posbridge/internal/printer"
	"posbridge/internal/repository"
)

type fakeStatus struct {
	status *models.SessionStatus
	err    error
	calls  int
}

func (f *fakeStatus) OrderStatus(_ context.Context, orderID string) (*models.SessionStatus, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	st := *f.status
	st.ID = orderID
	return &st, nil
}

type fakeCanceller struct {
	cancelled []string
	err       error
}

func (f *fakeCanceller) Cancel(_ context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return f.err
}

type fakeOrders struct {
	mu      sync.Mutex
	updates map[string]repository.PaymentUpdate
	err     error
}

func (f *fakeOrders) MarkPaid(_ context.Context, id string, u repository.PaymentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.updates == nil {
		f.updates = make(map[string]repository.PaymentUpdate)
	}
	f.updates[id] = u
	return nil
}

type fakePrinter struct {
	jobs []printer.Job
	err  error
}

func (f *fakePrinter) Initialize(context.Context) error { return nil }

func (f *fakePrinter) Status(context.Context) printer.State {
	return printer.State{Connected: true, Paper: printer.PaperOK, Device: printer.DeviceSimulated}
}

func (f *fakePrinter) Print(_ context.Context, job printer.Job) error {
	f.jobs = append(f.jobs, job)
	return f.err
}

type fixture struct {
	status    *fakeStatus
	canceller *fakeCanceller
	orders    *fakeOrders
	printer   *fakePrinter
	rec       *Reconciler
}

var paidAt = time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		status: &fakeStatus{status: &models.SessionStatus{
			Status: "paid",
			Total:  decimal.RequireFromString("57.00"),
			PaidAt: &paidAt,
		}},
		canceller: &fakeCanceller{},
		orders:    &fakeOrders{},
		printer:   &fakePrinter{},
	}
	f.rec = New(f.status, f.canceller, f.orders, f.printer, Options{
		Timeout: time.Second,
		Store:   printer.Store{Name: "Test", CurrencyLabel: "TL", TaxRate: decimal.RequireFromString("0.18")},
	}, zaptest.NewLogger(t))
	f.rec.Track(Attempt{
		OrderID:      "ORD_1",
		Reference:    "order-42",
		CustomerName: "Ada",
		Items: models.LineItems{
			{ID: "1", Name: "Coffee", Price: decimal.RequireFromString("28.50"), Quantity: 2},
		},
	})
	return f
}

func decision(id string, c interpreter.Classification) interpreter.Decision {
	return interpreter.Decision{OrderID: id, Classification: c, Source: "deeplink"}
}

func TestHandleSuccessPrintsAndWritesBack(t *testing.T) {
	f := newFixture(t)

	res := f.rec.Handle(context.Background(), decision("ORD_1", interpreter.Success))

	assert.Equal(t, KindPaid, res.Kind)
	assert.Equal(t, "order-42", res.Reference)
	assert.Empty(t, res.PrintWarning)
	require.NotNil(t, res.PaidAt)
	assert.True(t, res.PaidAt.Equal(paidAt))

	require.Len(t, f.printer.jobs, 1)
	job := f.printer.jobs[0]
	assert.Equal(t, "57.00", job.Total.StringFixed(2))
	assert.Equal(t, MethodCard, job.PaymentMethod)
	assert.Equal(t, "Ada", job.CustomerName)

	update, ok := f.orders.updates["order-42"]
	require.True(t, ok)
	assert.Equal(t, MethodCard, update.Method)
	assert.Equal(t, "ORD_1", update.GatewayOrderID)
	assert.True(t, update.PaidAt.Equal(paidAt))
	assert.Equal(t, KindPaid, f.rec.Kind("ORD_1"))
}

func TestHandleSuccessPrintFailureStillWritesBack(t *testing.T) {
	f := newFixture(t)
	f.printer.err = fmt.Errorf("%w: paper jam", printer.ErrPrintFailed)

	res := f.rec.Handle(context.Background(), decision("ORD_1", interpreter.Success))

	assert.Equal(t, KindPaid, res.Kind)
	assert.NotEmpty(t, res.PrintWarning)
	assert.NotContains(t, res.Message, "Receipt printed")
	assert.Contains(t, f.orders.updates, "order-42")
}

func TestHandleSuccessNotPaid(t *testing.T) {
	f := newFixture(t)
	f.status.status.Status = "pending"

	res := f.rec.Handle(context.Background(), decision("ORD_1", interpreter.Success))

	assert.Equal(t, KindUnverifiable, res.Kind)
	assert.Contains(t, res.Message, "check manually")
	assert.Empty(t, f.printer.jobs)
	assert.Empty(t, f.orders.updates)
}

func TestHandleSuccessNetworkError(t *testing.T) {
	f := newFixture(t)
	f.status.err = fmt.Errorf("%w: status 503", posclient.ErrNetwork)

	res := f.rec.Handle(context.Background(), decision("ORD_1", interpreter.Success))

	assert.Equal(t, KindUnverifiable, res.Kind)
	assert.Contains(t, res.Message, "contact support")
	assert.Empty(t, f.printer.jobs)
	assert.Empty(t, f.orders.updates)
	assert.Equal(t, KindUnverifiable, f.rec.Kind("ORD_1"))
}

func TestHandleSuccessAmountMismatch(t *testing.T) {
	f := newFixture(t)
	f.status.status.Total = decimal.RequireFromString("5.70")

	res := f.rec.Handle(context.Background(), decision("ORD_1", interpreter.Success))

	assert.Equal(t, KindUnverifiable, res.Kind)
	assert.Empty(t, f.printer.jobs)
}

func TestHandleSuccessUntracked(t *testing.T) {
	f := newFixture(t)

	res := f.rec.Handle(context.Background(), decision("ORD_X", interpreter.Success))

	assert.Equal(t, KindUnverifiable, res.Kind)
	assert.Zero(t, f.status.calls)
}

func TestHandleFailure(t *testing.T) {
	f := newFixture(t)

	res := f.rec.Handle(context.Background(), decision("ORD_1", interpreter.Failure))

	assert.Equal(t, KindFailed, res.Kind)
	assert.Zero(t, f.status.calls)
	assert.Empty(t, f.printer.jobs)
	assert.Empty(t, f.orders.updates)
	assert.Equal(t, KindFailed, f.rec.Kind("ORD_1"))
}

func TestHandleCancelled(t *testing.T) {
	f := newFixture(t)
	f.canceller.err = errors.New("backend down")

	res := f.rec.Handle(context.Background(), decision("ORD_1", interpreter.Cancelled))

	assert.Equal(t, KindCancelled, res.Kind)
	assert.Equal(t, []string{"ORD_1"}, f.canceller.cancelled)
	assert.Empty(t, f.printer.jobs)
	assert.Empty(t, f.orders.updates)
}

func TestWriteBackFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.orders.err = repository.ErrOrderNotFound

	res := f.rec.Handle(context.Background(), decision("ORD_1", interpreter.Success))

	assert.Equal(t, KindPaid, res.Kind)
	assert.Contains(t, res.Message, "mark it paid manually")
}

func TestSettleCash(t *testing.T) {
	f := newFixture(t)

	res := f.rec.SettleCash(context.Background(), Attempt{
		OrderID:   "CASH_1",
		Reference: "order-43",
		Items:     models.LineItems{{Name: "Tea", Price: decimal.RequireFromString("10.00"), Quantity: 1}},
	})

	assert.Equal(t, KindPaid, res.Kind)
	assert.Equal(t, "Cash payment recorded. Receipt printed.", res.Message)
	require.Len(t, f.printer.jobs, 1)
	assert.Equal(t, MethodCash, f.printer.jobs[0].PaymentMethod)
	assert.Equal(t, MethodCash, f.orders.updates["order-43"].Method)
	assert.Zero(t, f.status.calls)
}
