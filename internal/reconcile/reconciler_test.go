package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/order"
	"github.com/fintlabs/payment-reconciler/internal/order/ordertest"
)

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	denyAll  bool
	acquired int
	released int
}

func newFakeLocks() *fakeLocks { return &fakeLocks{held: map[string]bool{}} }

func (l *fakeLocks) TryAcquire(ctx context.Context, orderID, intentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyAll || l.held[orderID] {
		return false, nil
	}
	l.held[orderID] = true
	l.acquired++
	return true, nil
}

func (l *fakeLocks) Release(ctx context.Context, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, orderID)
	l.released++
	return nil
}

func (l *fakeLocks) isHeld(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[orderID]
}

type fakeEffects struct {
	completed []string
	err       error
}

func (f *fakeEffects) PaymentComplete(ctx context.Context, o *order.Order, intentID string) error {
	if f.err != nil {
		return f.err
	}
	f.completed = append(f.completed, o.ID)
	return nil
}

func testSettings() gateway.Settings {
	return gateway.Settings{
		DashboardURL:       "https://dashboard.stripe.com",
		SuccessfulStatuses: gateway.DefaultSuccessfulStatuses(),
	}
}

func pendingOrder(id string) *order.Order {
	return &order.Order{ID: id, Status: order.StatusPending, Currency: "usd", Total: 5000}
}

func TestMarkPaymentCompleted(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	locks := newFakeLocks()
	effects := &fakeEffects{}
	r := New(store, locks, effects, testSettings())

	err := r.MarkPaymentCompleted(context.Background(), o, "pi_1", "succeeded", "ch_1")
	require.NoError(t, err)

	require.Equal(t, order.StatusProcessing, o.Status)
	require.Equal(t, "pi_1", o.Meta(order.MetaTransactionID))
	require.Equal(t, "succeeded", o.Meta(order.MetaIntentionStatus))
	require.Equal(t, "ch_1", o.Meta(order.MetaChargeID))
	require.Equal(t, []string{"ord1"}, effects.completed)
	require.False(t, locks.isHeld("ord1"), "lock must be released")
}

func TestMarkPaymentCompletedIdempotent(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	locks := newFakeLocks()
	effects := &fakeEffects{}
	r := New(store, locks, effects, testSettings())

	require.NoError(t, r.MarkPaymentCompleted(context.Background(), o, "pi_1", "succeeded", "ch_1"))
	require.NoError(t, r.MarkPaymentCompleted(context.Background(), o, "pi_1", "succeeded", "ch_1"))

	require.Len(t, effects.completed, 1, "effect must fire once")
	require.Len(t, store.NoteContents("ord1"), 1, "note must be written once")
}

func TestMarkPaymentCompletedLockHeld(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	locks := newFakeLocks()
	locks.held["ord1"] = true
	effects := &fakeEffects{}
	r := New(store, locks, effects, testSettings())

	err := r.MarkPaymentCompleted(context.Background(), o, "pi_1", "succeeded", "ch_1")
	require.NoError(t, err, "lock contention is a silent no-op")

	require.Equal(t, order.StatusPending, o.Status)
	require.Empty(t, effects.completed)
	require.Empty(t, store.NoteContents("ord1"))
}

func TestLockReleasedWhenEffectFails(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	locks := newFakeLocks()
	effects := &fakeEffects{err: errors.New("broker down")}
	r := New(store, locks, effects, testSettings())

	err := r.MarkPaymentCompleted(context.Background(), o, "pi_1", "succeeded", "ch_1")
	require.Error(t, err)
	require.False(t, locks.isHeld("ord1"), "lock must be released after a failing side effect")
}

func TestMarkPaymentAuthorized(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	locks := newFakeLocks()
	r := New(store, locks, nil, testSettings())

	err := r.MarkPaymentAuthorized(context.Background(), o, "pi_1", "requires_capture", "ch_1")
	require.NoError(t, err)

	require.Equal(t, order.StatusOnHold, o.Status)
	require.Equal(t, "pi_1", o.Meta(order.MetaTransactionID))
	require.Equal(t, "requires_capture", o.Meta(order.MetaIntentionStatus))

	notes := store.NoteContents("ord1")
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "authorized")
	require.Contains(t, notes[0], "pi_1")
	require.Contains(t, notes[0], "50.00")

	// Redelivery changes nothing.
	require.NoError(t, r.MarkPaymentAuthorized(context.Background(), o, "pi_1", "requires_capture", "ch_1"))
	require.Len(t, store.NoteContents("ord1"), 1)
}

func TestMarkPaymentFailed(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	err := r.MarkPaymentFailed(context.Background(), o, "pi_1", "requires_payment_method", "ch_1", "card declined")
	require.NoError(t, err)

	require.Equal(t, order.StatusFailed, o.Status)
	notes := store.NoteContents("ord1")
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "card declined")

	require.NoError(t, r.MarkPaymentFailed(context.Background(), o, "pi_1", "requires_payment_method", "ch_1", "card declined"))
	require.Len(t, store.NoteContents("ord1"), 1)
}

func TestMarkPaymentStartedOnlyWhenPending(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	require.NoError(t, r.MarkPaymentStarted(context.Background(), o, "pi_1", "processing"))
	require.Equal(t, order.StatusPending, o.Status, "started leaves the order pending")
	require.Len(t, store.NoteContents("ord1"), 1)

	o.Status = order.StatusOnHold
	require.NoError(t, r.MarkPaymentStarted(context.Background(), o, "pi_1", "processing"))
	require.Len(t, store.NoteContents("ord1"), 1, "non-pending order is a no-op")
}

func TestMarkPaymentCaptureFailedKeepsStatus(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusOnHold
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	err := r.MarkPaymentCaptureFailed(context.Background(), o, "pi_1", "", "ch_1")
	require.NoError(t, err)

	require.Equal(t, order.StatusOnHold, o.Status)
	require.Empty(t, o.Meta(order.MetaIntentionStatus), "empty intent status leaves metadata unset")
	require.Len(t, store.NoteContents("ord1"), 1)
}

func TestMarkPaymentCaptureCompleted(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusOnHold
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	require.NoError(t, r.MarkPaymentCaptureCompleted(context.Background(), o, "pi_1", "succeeded", "ch_1"))
	require.Equal(t, order.StatusProcessing, o.Status)

	require.NoError(t, r.MarkPaymentCaptureCompleted(context.Background(), o, "pi_1", "succeeded", "ch_1"))
	require.Len(t, store.NoteContents("ord1"), 1)
}

func TestMarkPaymentCaptureExpired(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusOnHold
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	require.NoError(t, r.MarkPaymentCaptureExpired(context.Background(), o, "pi_1", "canceled", "ch_1"))
	require.Equal(t, order.StatusCancelled, o.Status)

	require.NoError(t, r.MarkPaymentCaptureExpired(context.Background(), o, "pi_1", "canceled", "ch_1"))
	require.Len(t, store.NoteContents("ord1"), 1)
}

func TestMarkPaymentCaptureCancelled(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusOnHold
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	require.NoError(t, r.MarkPaymentCaptureCancelled(context.Background(), o, "pi_1", "canceled"))
	require.Equal(t, order.StatusCancelled, o.Status)

	require.NoError(t, r.MarkPaymentCaptureCancelled(context.Background(), o, "pi_1", "canceled"))
	require.Len(t, store.NoteContents("ord1"), 1)
}

func TestMarkPaymentDisputeCreated(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusProcessing
	store := ordertest.NewStore(o)
	locks := newFakeLocks()
	r := New(store, locks, nil, testSettings())

	err := r.MarkPaymentDisputeCreated(context.Background(), o, "dp_1", "fraudulent")
	require.NoError(t, err)

	require.Equal(t, order.StatusOnHold, o.Status)
	notes := store.NoteContents("ord1")
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "dp_1")
	require.Contains(t, notes[0], "fraudulent")
}

func TestMarkPaymentDisputeCreatedIdempotentByNote(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusProcessing
	store := ordertest.NewStore(o)
	locks := newFakeLocks()
	r := New(store, locks, nil, testSettings())

	require.NoError(t, r.MarkPaymentDisputeCreated(context.Background(), o, "dp_1", "fraudulent"))

	// Redelivery after the status moved on: the note existence check, not
	// the status, carries the idempotency.
	o.Status = order.StatusCancelled
	require.NoError(t, r.MarkPaymentDisputeCreated(context.Background(), o, "dp_1", "fraudulent"))

	require.Len(t, store.NoteContents("ord1"), 1)
	require.Equal(t, order.StatusCancelled, o.Status, "redelivery must not touch status")
	require.Equal(t, 1, locks.acquired, "redelivery is rejected before the lock")
}

func TestMarkPaymentDisputeClosedWon(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusOnHold
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	require.NoError(t, r.MarkPaymentDisputeClosed(context.Background(), o, "dp_1", "won"))
	require.Equal(t, order.StatusCompleted, o.Status)

	notes := store.NoteContents("ord1")
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "closed with status won")

	// Already completed: no-op.
	require.NoError(t, r.MarkPaymentDisputeClosed(context.Background(), o, "dp_1", "won"))
	require.Len(t, store.NoteContents("ord1"), 1)
}

func TestMarkPaymentDisputeClosedLost(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusOnHold
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	require.NoError(t, r.MarkPaymentDisputeClosed(context.Background(), o, "dp_1", "lost"))

	require.Equal(t, order.StatusOnHold, o.Status, "lost dispute leaves the status alone")
	require.Len(t, store.Refunds, 1)
	require.Equal(t, int64(5000), store.Refunds[0].Amount)
	require.Equal(t, "dispute lost", store.Refunds[0].Reason)
}

func TestMarkPaymentDisputeClosedLostRedelivery(t *testing.T) {
	o := pendingOrder("ord1")
	o.Status = order.StatusOnHold
	store := ordertest.NewStore(o)
	locks := newFakeLocks()
	r := New(store, locks, nil, testSettings())

	require.NoError(t, r.MarkPaymentDisputeClosed(context.Background(), o, "dp_1", "lost"))
	require.NoError(t, r.MarkPaymentDisputeClosed(context.Background(), o, "dp_1", "lost"))

	require.Len(t, store.Refunds, 1, "redelivery must not duplicate the refund record")
	require.Len(t, store.NoteContents("ord1"), 1)
	require.Equal(t, 1, locks.acquired, "redelivery is rejected before the lock")
}

func TestMarkTerminalPaymentCompleted(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	effects := &fakeEffects{}
	r := New(store, newFakeLocks(), effects, testSettings())

	require.NoError(t, r.MarkTerminalPaymentCompleted(context.Background(), o, "pi_1", "succeeded", "ch_1"))
	require.Equal(t, order.StatusCompleted, o.Status, "terminal charges complete directly")
	require.Equal(t, []string{"ord1"}, effects.completed)
}

func TestFraudOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("approve", func(t *testing.T) {
		o := pendingOrder("ord1")
		store := ordertest.NewStore(o)
		r := New(store, newFakeLocks(), nil, testSettings())
		require.NoError(t, r.MarkCaptureCompletedAfterFraudCheck(ctx, o, "pi_1", "succeeded", "ch_1"))
		require.Equal(t, order.StatusProcessing, o.Status)
		require.Equal(t, order.FraudOutcomeApprove, o.Meta(order.MetaFraudOutcomeStatus))
	})

	t.Run("review", func(t *testing.T) {
		o := pendingOrder("ord1")
		store := ordertest.NewStore(o)
		r := New(store, newFakeLocks(), nil, testSettings())
		require.NoError(t, r.MarkOrderHeldForReviewForFraud(ctx, o, "pi_1", "requires_capture", "ch_1"))
		require.Equal(t, order.StatusOnHold, o.Status)
		require.Equal(t, order.FraudOutcomeReview, o.Meta(order.MetaFraudOutcomeStatus))
	})

	t.Run("block", func(t *testing.T) {
		o := pendingOrder("ord1")
		store := ordertest.NewStore(o)
		r := New(store, newFakeLocks(), nil, testSettings())
		require.NoError(t, r.MarkOrderBlockedForFraud(ctx, o, "pi_1", "canceled", "ch_1"))
		require.Equal(t, order.StatusCancelled, o.Status)
		require.Equal(t, order.FraudOutcomeBlock, o.Meta(order.MetaFraudOutcomeStatus))
	})
}

func TestNoteTextFormat(t *testing.T) {
	o := pendingOrder("ord1")
	store := ordertest.NewStore(o)
	r := New(store, newFakeLocks(), nil, testSettings())

	require.NoError(t, r.MarkPaymentAuthorized(context.Background(), o, "pi_1", "requires_capture", "ch_1"))

	notes := store.NoteContents("ord1")
	require.Len(t, notes, 1)
	require.True(t, strings.Contains(notes[0], "https://dashboard.stripe.com/payments/pi_1"),
		"note must carry the dashboard link, got %q", notes[0])
	require.Contains(t, notes[0], "50.00 USD")
}
