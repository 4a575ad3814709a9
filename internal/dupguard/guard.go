package dupguard

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/order"
)

// RedirectResult tells the checkout flow to send the customer to an
// existing payment result instead of creating a new charge.
type RedirectResult struct {
	URL                  string
	PaidForPreviousOrder bool
}

// Guard prevents double-charging a customer who re-submits the same cart.
// All checks are side-effect-free unless they find a match.
type Guard struct {
	store    order.Store
	api      gateway.APIClient
	settings gateway.Settings
}

func New(store order.Store, api gateway.APIClient, settings gateway.Settings) *Guard {
	return &Guard{store: store, api: api, settings: settings}
}

// CheckSession looks for a just-paid order in the customer's session that
// matches the incoming order's cart. On a match the duplicate order is
// trashed, the session marker cleared, and the customer redirected to the
// previous order's result.
func (g *Guard) CheckSession(ctx context.Context, sess SessionContext, incoming *order.Order) (*RedirectResult, error) {
	if incoming == nil {
		return nil, nil
	}
	prevID := sess.ProcessingOrderID()
	if prevID == "" || prevID == incoming.ID {
		return nil, nil
	}

	prev, err := g.store.OrderFromOrderID(ctx, prevID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session order: %w", err)
	}
	if prev.CartHash == "" || prev.CartHash != incoming.CartHash || !prev.IsPaid() {
		return nil, nil
	}

	log.Printf("[DupGuard] order %s duplicates paid order %s, trashing", incoming.ID, prev.ID)
	if err := g.store.Trash(ctx, incoming.ID); err != nil {
		return nil, fmt.Errorf("trash duplicate order: %w", err)
	}
	sess.Clear()
	note := fmt.Sprintf("Detected duplicate checkout: order %s was submitted for the same cart and has been trashed.", incoming.ID)
	if err := g.store.AddNote(ctx, prev.ID, note); err != nil {
		return nil, fmt.Errorf("note duplicate order: %w", err)
	}
	return &RedirectResult{URL: prev.ReturnURL, PaidForPreviousOrder: true}, nil
}

// CheckAttachedIntent short-circuits when the order already carries a
// payment intent that succeeded for this very order. Setup intents,
// unresolvable intents, and any mismatch return nothing.
func (g *Guard) CheckAttachedIntent(ctx context.Context, o *order.Order) (*RedirectResult, error) {
	if o == nil {
		return nil, nil
	}
	intentID := o.IntentID()
	if intentID == "" || gateway.IsSetupIntent(intentID) {
		return nil, nil
	}

	intent, err := g.api.GetIntent(ctx, intentID)
	if err != nil {
		log.Printf("[DupGuard] order %s: attached intent %s not resolvable: %v", o.ID, intentID, err)
		return nil, nil
	}
	if !g.settings.IsSuccessfulStatus(intent.Status) || intent.OrderID() != o.ID {
		return nil, nil
	}

	log.Printf("[DupGuard] order %s already paid by intent %s, redirecting", o.ID, intentID)
	return &RedirectResult{URL: o.ReturnURL}, nil
}

// MarkPaymentAttempt records the order as the session's in-flight payment.
// Call it when a new charge attempt is actually initiated, not merely
// checked.
func (g *Guard) MarkPaymentAttempt(sess SessionContext, o *order.Order) {
	if o == nil {
		return
	}
	sess.SetProcessingOrderID(o.ID)
}
