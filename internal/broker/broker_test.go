package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	return New(opts, zaptest.NewLogger(t))
}

func newSession(orderID string) NewSession {
	return NewSession{
		OrderID:   orderID,
		Amount:    decimal.RequireFromString("57.00"),
		Currency:  "949",
		Nonce:     "nonce",
		Signature: "sig",
	}
}

func TestCreateSession(t *testing.T) {
	b := newTestBroker(t, Options{})
	ctx := context.Background()

	s, err := b.CreateSession(ctx, newSession("ORD_1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, "57.00", s.Amount.StringFixed(2))

	_, err = b.CreateSession(ctx, newSession("ORD_1"))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestCreateSessionValidation(t *testing.T) {
	b := newTestBroker(t, Options{})

	_, err := b.CreateSession(context.Background(), newSession(""))
	assert.ErrorIs(t, err, ErrInvalidSession)

	ns := newSession("ORD_1")
	ns.Amount = decimal.Zero
	_, err = b.CreateSession(context.Background(), ns)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestGetStatusNotFound(t *testing.T) {
	b := newTestBroker(t, Options{})

	_, err := b.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.MarkResult(context.Background(), "nope", OutcomeApproved, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkResultIsMonotonic(t *testing.T) {
	tests := []struct {
		name       string
		first      Outcome
		second     Outcome
		wantStatus Status
		wantErr    error
	}{
		{name: "approved twice", first: OutcomeApproved, second: OutcomeApproved, wantStatus: StatusPaid},
		{name: "declined then approved", first: OutcomeDeclined, second: OutcomeApproved, wantStatus: StatusFailed, wantErr: ErrConflictingResult},
		{name: "approved then declined", first: OutcomeApproved, second: OutcomeDeclined, wantStatus: StatusPaid, wantErr: ErrConflictingResult},
		{name: "cancelled then approved", first: OutcomeCancelled, second: OutcomeApproved, wantStatus: StatusFailed, wantErr: ErrConflictingResult},
		{name: "declined then cancelled", first: OutcomeDeclined, second: OutcomeCancelled, wantStatus: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(t, Options{})
			ctx := context.Background()
			_, err := b.CreateSession(ctx, newSession("ORD_1"))
			require.NoError(t, err)

			first, err := b.MarkResult(ctx, "ORD_1", tt.first, map[string]string{"step": "first"})
			require.NoError(t, err)

			second, err := b.MarkResult(ctx, "ORD_1", tt.second, map[string]string{"step": "second"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tt.wantStatus, second.Status)
			assert.Equal(t, first.FailureReason, second.FailureReason)
			assert.Equal(t, "first", second.GatewayPayload["step"])

			current, err := b.GetStatus(ctx, "ORD_1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, current.Status)
		})
	}
}

func TestMarkResultPaidAt(t *testing.T) {
	b := newTestBroker(t, Options{})
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	ctx := context.Background()

	_, err := b.CreateSession(ctx, newSession("ORD_1"))
	require.NoError(t, err)

	s, err := b.MarkResult(ctx, "ORD_1", OutcomeApproved, nil)
	require.NoError(t, err)
	require.NotNil(t, s.PaidAt)
	assert.True(t, s.PaidAt.Equal(fixed))

	// Mutating the snapshot must not leak into the broker.
	s.Status = StatusPending
	current, err := b.GetStatus(ctx, "ORD_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, current.Status)
}

func TestConcurrentResultsApplyOnce(t *testing.T) {
	b := newTestBroker(t, Options{})
	ctx := context.Background()
	_, err := b.CreateSession(ctx, newSession("ORD_1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0
	for i := 0; i < 20; i++ {
		outcome := OutcomeApproved
		if i%2 == 1 {
			outcome = OutcomeCancelled
		}
		wg.Add(1)
		go func(o Outcome) {
			defer wg.Done()
			if _, err := b.MarkResult(ctx, "ORD_1", o, nil); err != nil {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}(outcome)
	}
	wg.Wait()

	// Exactly one of the two outcome groups won; the other ten conflicted.
	assert.Equal(t, 10, conflicts)
}

func TestCancel(t *testing.T) {
	b := newTestBroker(t, Options{})
	ctx := context.Background()
	_, err := b.CreateSession(ctx, newSession("ORD_1"))
	require.NoError(t, err)

	s, err := b.Cancel(ctx, "ORD_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, OutcomeCancelled, s.FailureReason)

	// A late approval can never resurrect the cancelled session.
	_, err = b.MarkResult(ctx, "ORD_1", OutcomeApproved, nil)
	assert.ErrorIs(t, err, ErrConflictingResult)
}

func TestReuseFailedOrderID(t *testing.T) {
	ctx := context.Background()

	strict := newTestBroker(t, Options{})
	_, err := strict.CreateSession(ctx, newSession("ORD_1"))
	require.NoError(t, err)
	_, err = strict.Cancel(ctx, "ORD_1")
	require.NoError(t, err)
	_, err = strict.CreateSession(ctx, newSession("ORD_1"))
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	reuse := newTestBroker(t, Options{ReuseFailedOrderID: true})
	_, err = reuse.CreateSession(ctx, newSession("ORD_1"))
	require.NoError(t, err)

	// Still pending: never replaced.
	_, err = reuse.CreateSession(ctx, newSession("ORD_1"))
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	_, err = reuse.Cancel(ctx, "ORD_1")
	require.NoError(t, err)
	s, err := reuse.CreateSession(ctx, newSession("ORD_1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s.Status)
}

func TestExpirePending(t *testing.T) {
	b := newTestBroker(t, Options{})
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return start }

	_, err := b.CreateSession(ctx, newSession("OLD"))
	require.NoError(t, err)
	_, err = b.CreateSession(ctx, newSession("PAID"))
	require.NoError(t, err)
	_, err = b.MarkResult(ctx, "PAID", OutcomeApproved, nil)
	require.NoError(t, err)

	b.now = func() time.Time { return start.Add(20 * time.Minute) }
	_, err = b.CreateSession(ctx, newSession("NEW"))
	require.NoError(t, err)

	b.now = func() time.Time { return start.Add(40 * time.Minute) }
	expired := b.ExpirePending(ctx, 30*time.Minute)
	assert.Equal(t, []string{"OLD"}, expired)

	old, err := b.GetStatus(ctx, "OLD")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, old.Status)
	assert.Equal(t, OutcomeExpired, old.FailureReason)

	counts := b.Counts()
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusPaid])
	assert.Equal(t, 1, counts[StatusFailed])
}
