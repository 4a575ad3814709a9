package dupguard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/order"
	"github.com/fintlabs/payment-reconciler/internal/order/ordertest"
)

type fakeAPI struct {
	intents map[string]*gateway.Intent
	err     error
}

func (f *fakeAPI) GetIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	if f.err != nil {
		return nil, f.err
	}
	intent, ok := f.intents[id]
	if !ok {
		return nil, &gateway.APIError{Code: "resource_missing", Status: 404, Msg: "no such intent"}
	}
	return intent, nil
}

func (f *fakeAPI) CreateAndConfirmIntent(ctx context.Context, req *gateway.CreateIntentRequest) (*gateway.Intent, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAPI) CaptureIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAPI) CancelIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAPI) RefundCharge(ctx context.Context, chargeID string, amount int64) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeAPI) GetFailedWebhookEvents(ctx context.Context, cursor string) ([]gateway.Event, bool, error) {
	return nil, false, errors.New("not implemented")
}

func guardSettings() gateway.Settings {
	return gateway.Settings{SuccessfulStatuses: gateway.DefaultSuccessfulStatuses()}
}

func TestCheckSessionDetectsDuplicate(t *testing.T) {
	prev := &order.Order{ID: "ordA", Status: order.StatusProcessing, CartHash: "cart1", ReturnURL: "https://shop/thanks/ordA"}
	incoming := &order.Order{ID: "ordB", Status: order.StatusPending, CartHash: "cart1"}
	store := ordertest.NewStore(prev, incoming)
	g := New(store, &fakeAPI{}, guardSettings())

	sess := NewSession()
	sess.SetProcessingOrderID("ordA")

	redirect, err := g.CheckSession(context.Background(), sess, incoming)
	require.NoError(t, err)
	require.NotNil(t, redirect)
	require.Equal(t, "https://shop/thanks/ordA", redirect.URL)
	require.True(t, redirect.PaidForPreviousOrder)

	require.Equal(t, []string{"ordB"}, store.Trashed, "incoming duplicate must be trashed")
	require.Empty(t, sess.ProcessingOrderID(), "session marker must be cleared")

	notes := store.NoteContents("ordA")
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "ordB", "note on the paid order names the duplicate")
}

func TestCheckSessionNoMatch(t *testing.T) {
	ctx := context.Background()

	t.Run("empty session", func(t *testing.T) {
		incoming := &order.Order{ID: "ordB", Status: order.StatusPending, CartHash: "cart1"}
		g := New(ordertest.NewStore(incoming), &fakeAPI{}, guardSettings())
		redirect, err := g.CheckSession(ctx, NewSession(), incoming)
		require.NoError(t, err)
		require.Nil(t, redirect)
	})

	t.Run("same order", func(t *testing.T) {
		incoming := &order.Order{ID: "ordB", Status: order.StatusPending, CartHash: "cart1"}
		g := New(ordertest.NewStore(incoming), &fakeAPI{}, guardSettings())
		sess := NewSession()
		sess.SetProcessingOrderID("ordB")
		redirect, err := g.CheckSession(ctx, sess, incoming)
		require.NoError(t, err)
		require.Nil(t, redirect)
	})

	t.Run("previous order gone", func(t *testing.T) {
		incoming := &order.Order{ID: "ordB", Status: order.StatusPending, CartHash: "cart1"}
		g := New(ordertest.NewStore(incoming), &fakeAPI{}, guardSettings())
		sess := NewSession()
		sess.SetProcessingOrderID("ordGone")
		redirect, err := g.CheckSession(ctx, sess, incoming)
		require.NoError(t, err, "a vanished session order is not an error")
		require.Nil(t, redirect)
	})

	t.Run("different cart", func(t *testing.T) {
		prev := &order.Order{ID: "ordA", Status: order.StatusProcessing, CartHash: "cart1"}
		incoming := &order.Order{ID: "ordB", Status: order.StatusPending, CartHash: "cart2"}
		store := ordertest.NewStore(prev, incoming)
		g := New(store, &fakeAPI{}, guardSettings())
		sess := NewSession()
		sess.SetProcessingOrderID("ordA")
		redirect, err := g.CheckSession(ctx, sess, incoming)
		require.NoError(t, err)
		require.Nil(t, redirect)
		require.Empty(t, store.Trashed)
	})

	t.Run("previous order unpaid", func(t *testing.T) {
		prev := &order.Order{ID: "ordA", Status: order.StatusPending, CartHash: "cart1"}
		incoming := &order.Order{ID: "ordB", Status: order.StatusPending, CartHash: "cart1"}
		store := ordertest.NewStore(prev, incoming)
		g := New(store, &fakeAPI{}, guardSettings())
		sess := NewSession()
		sess.SetProcessingOrderID("ordA")
		redirect, err := g.CheckSession(ctx, sess, incoming)
		require.NoError(t, err)
		require.Nil(t, redirect)
		require.Empty(t, store.Trashed)
	})
}

func TestCheckAttachedIntentMatch(t *testing.T) {
	o := &order.Order{
		ID:        "ordA",
		Status:    order.StatusPending,
		ReturnURL: "https://shop/thanks/ordA",
		Metadata:  map[string]string{order.MetaTransactionID: "pi_1"},
	}
	api := &fakeAPI{intents: map[string]*gateway.Intent{
		"pi_1": {ID: "pi_1", Status: "succeeded", Metadata: map[string]string{"order_id": "ordA"}},
	}}
	g := New(ordertest.NewStore(o), api, guardSettings())

	redirect, err := g.CheckAttachedIntent(context.Background(), o)
	require.NoError(t, err)
	require.NotNil(t, redirect)
	require.Equal(t, "https://shop/thanks/ordA", redirect.URL)
	require.False(t, redirect.PaidForPreviousOrder)
}

func TestCheckAttachedIntentNoMatch(t *testing.T) {
	ctx := context.Background()

	t.Run("no intent attached", func(t *testing.T) {
		o := &order.Order{ID: "ordA", Status: order.StatusPending}
		g := New(ordertest.NewStore(o), &fakeAPI{}, guardSettings())
		redirect, err := g.CheckAttachedIntent(ctx, o)
		require.NoError(t, err)
		require.Nil(t, redirect)
	})

	t.Run("setup intent", func(t *testing.T) {
		o := &order.Order{ID: "ordA", Status: order.StatusPending,
			Metadata: map[string]string{order.MetaTransactionID: "seti_1"}}
		g := New(ordertest.NewStore(o), &fakeAPI{}, guardSettings())
		redirect, err := g.CheckAttachedIntent(ctx, o)
		require.NoError(t, err)
		require.Nil(t, redirect)
	})

	t.Run("intent not resolvable", func(t *testing.T) {
		o := &order.Order{ID: "ordA", Status: order.StatusPending,
			Metadata: map[string]string{order.MetaTransactionID: "pi_missing"}}
		g := New(ordertest.NewStore(o), &fakeAPI{}, guardSettings())
		redirect, err := g.CheckAttachedIntent(ctx, o)
		require.NoError(t, err, "unresolvable intent is not an error")
		require.Nil(t, redirect)
	})

	t.Run("intent not successful", func(t *testing.T) {
		o := &order.Order{ID: "ordA", Status: order.StatusPending,
			Metadata: map[string]string{order.MetaTransactionID: "pi_1"}}
		api := &fakeAPI{intents: map[string]*gateway.Intent{
			"pi_1": {ID: "pi_1", Status: "requires_payment_method", Metadata: map[string]string{"order_id": "ordA"}},
		}}
		g := New(ordertest.NewStore(o), api, guardSettings())
		redirect, err := g.CheckAttachedIntent(ctx, o)
		require.NoError(t, err)
		require.Nil(t, redirect)
	})

	t.Run("intent for a different order", func(t *testing.T) {
		o := &order.Order{ID: "ordA", Status: order.StatusPending,
			Metadata: map[string]string{order.MetaTransactionID: "pi_1"}}
		api := &fakeAPI{intents: map[string]*gateway.Intent{
			"pi_1": {ID: "pi_1", Status: "succeeded", Metadata: map[string]string{"order_id": "ordZ"}},
		}}
		g := New(ordertest.NewStore(o), api, guardSettings())
		redirect, err := g.CheckAttachedIntent(ctx, o)
		require.NoError(t, err)
		require.Nil(t, redirect)
	})
}

func TestMarkPaymentAttempt(t *testing.T) {
	o := &order.Order{ID: "ordA", Status: order.StatusPending}
	g := New(ordertest.NewStore(o), &fakeAPI{}, guardSettings())
	sess := NewSession()

	g.MarkPaymentAttempt(sess, o)
	require.Equal(t, "ordA", sess.ProcessingOrderID())
}
