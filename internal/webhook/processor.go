package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/order"
	"github.com/fintlabs/payment-reconciler/internal/receipt"
	"github.com/fintlabs/payment-reconciler/internal/reconcile"
)

// ValidationError reports a webhook payload missing a required key.
type ValidationError struct {
	Key string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("webhook payload missing required key %q", e.Key)
}

// Observer is an extension point invoked around dispatch. Observers are
// called defensively: a panic in one is caught and discarded so it can
// never block dispatch.
type Observer struct {
	Before func(eventType string, object map[string]any)
	After  func(eventType string, object map[string]any)
}

type handlerFunc func(ctx context.Context, object map[string]any) error

// Processor validates one webhook event payload and dispatches it through
// a fixed type table. Unknown types are a no-op.
type Processor struct {
	store     order.Store
	rec       *reconcile.Reconciler
	receipts  receipt.Service
	settings  gateway.Settings
	observers []Observer
	handlers  map[string]handlerFunc
}

func New(store order.Store, rec *reconcile.Reconciler, receipts receipt.Service, settings gateway.Settings) *Processor {
	p := &Processor{store: store, rec: rec, receipts: receipts, settings: settings}
	p.handlers = map[string]handlerFunc{
		"charge.refund.updated":                    p.handleRefundUpdated,
		"charge.dispute.created":                   p.handleDisputeCreated,
		"charge.dispute.closed":                    p.handleDisputeClosed,
		"charge.dispute.updated":                   p.disputeNote("updated"),
		"charge.dispute.funds_withdrawn":           p.disputeNote("funds withdrawn"),
		"charge.dispute.funds_reinstated":          p.disputeNote("funds reinstated"),
		"payment_intent.succeeded":                 p.handleIntentSucceeded,
		"payment_intent.payment_failed":            p.handleIntentFailed,
		"payment_intent.requires_action":           p.handleIntentRequiresAction,
		"payment_intent.amount_capturable_updated": p.handleIntentAuthorized,
		"payment_intent.canceled":                  p.handleIntentCanceled,
	}
	return p
}

// AddObserver registers before/after callbacks around dispatch.
func (p *Processor) AddObserver(o Observer) { p.observers = append(p.observers, o) }

// Process validates the payload and dispatches by type. Each missing
// required key fails with a distinct validation error naming that key.
func (p *Processor) Process(ctx context.Context, body map[string]any) error {
	eventType, ok := body["type"].(string)
	if !ok || eventType == "" {
		return &ValidationError{Key: "type"}
	}
	dataRaw, present := body["data"]
	if !present {
		return &ValidationError{Key: "data"}
	}
	data, ok := dataRaw.(map[string]any)
	if !ok {
		return &ValidationError{Key: "data"}
	}
	object, ok := data["object"].(map[string]any)
	if !ok {
		return &ValidationError{Key: "object"}
	}

	p.notifyBefore(eventType, object)
	defer p.notifyAfter(eventType, object)

	h, known := p.handlers[eventType]
	if !known {
		log.Printf("[Webhook] ignoring event type %s", eventType)
		return nil
	}
	return h(ctx, object)
}

func (p *Processor) notifyBefore(eventType string, object map[string]any) {
	for _, o := range p.observers {
		if o.Before != nil {
			safeNotify(o.Before, eventType, object)
		}
	}
}

func (p *Processor) notifyAfter(eventType string, object map[string]any) {
	for _, o := range p.observers {
		if o.After != nil {
			safeNotify(o.After, eventType, object)
		}
	}
}

func safeNotify(fn func(string, map[string]any), eventType string, object map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Webhook] observer panicked on %s: %v", eventType, r)
		}
	}()
	fn(eventType, object)
}

// handleRefundUpdated flags the order when a refund failed and drops the
// matching local refund record. All other refund statuses are a no-op.
func (p *Processor) handleRefundUpdated(ctx context.Context, object map[string]any) error {
	if str(object, "status") != "failed" {
		return nil
	}
	chargeID := str(object, "charge")
	o, err := p.store.OrderFromChargeID(ctx, chargeID)
	if err != nil {
		return fmt.Errorf("resolve order for charge %s: %w", chargeID, err)
	}
	refundID := str(object, "id")
	if err := p.store.SetMeta(ctx, o.ID, order.MetaRefundFailed, "yes"); err != nil {
		return fmt.Errorf("flag refund failure: %w", err)
	}
	note := fmt.Sprintf("Refund %s failed at the payment provider; funds were not returned.", refundID)
	if err := p.store.AddNote(ctx, o.ID, note); err != nil {
		return fmt.Errorf("note refund failure: %w", err)
	}
	if err := p.store.DeleteRefund(ctx, refundID); err != nil {
		return fmt.Errorf("delete local refund: %w", err)
	}
	return nil
}

func (p *Processor) handleDisputeCreated(ctx context.Context, object map[string]any) error {
	o, err := p.orderFromDispute(ctx, object)
	if err != nil {
		return err
	}
	return p.rec.MarkPaymentDisputeCreated(ctx, o, str(object, "id"), str(object, "reason"))
}

func (p *Processor) handleDisputeClosed(ctx context.Context, object map[string]any) error {
	o, err := p.orderFromDispute(ctx, object)
	if err != nil {
		return err
	}
	return p.rec.MarkPaymentDisputeClosed(ctx, o, str(object, "id"), str(object, "status"))
}

// disputeNote covers the dispute lifecycle events that only annotate the
// order without changing its status. Redeliveries are skipped by note
// existence.
func (p *Processor) disputeNote(what string) handlerFunc {
	return func(ctx context.Context, object map[string]any) error {
		o, err := p.orderFromDispute(ctx, object)
		if err != nil {
			return err
		}
		note := fmt.Sprintf("Payment dispute %s: %s.", str(object, "id"), what)
		exists, err := p.store.HasNote(ctx, o.ID, note)
		if err != nil {
			return fmt.Errorf("check dispute note: %w", err)
		}
		if exists {
			return nil
		}
		if err := p.store.AddNote(ctx, o.ID, note); err != nil {
			return fmt.Errorf("note dispute update: %w", err)
		}
		return nil
	}
}

func (p *Processor) orderFromDispute(ctx context.Context, object map[string]any) (*order.Order, error) {
	chargeID := str(object, "charge")
	o, err := p.store.OrderFromChargeID(ctx, chargeID)
	if err != nil {
		return nil, fmt.Errorf("resolve order for disputed charge %s: %w", chargeID, err)
	}
	return o, nil
}

// handleIntentSucceeded attaches the intent to its order and completes
// payment if the order is not already paid. Card-present charges also get
// a customer receipt email.
func (p *Processor) handleIntentSucceeded(ctx context.Context, object map[string]any) error {
	intentID := str(object, "id")
	o, err := p.orderFromIntent(ctx, object, intentID)
	if err != nil {
		return err
	}

	charge := firstCharge(object)
	if err := p.attachIntentMeta(ctx, o, intentID, object, charge); err != nil {
		return err
	}

	if !o.IsPaid() {
		if charge.PaymentMethodType == "card_present" {
			err = p.rec.MarkTerminalPaymentCompleted(ctx, o, intentID, str(object, "status"), charge.ID)
		} else {
			err = p.rec.MarkPaymentCompleted(ctx, o, intentID, str(object, "status"), charge.ID)
		}
		if err != nil {
			return err
		}
	}

	if charge.PaymentMethodType == "card_present" && p.receipts != nil {
		if err := p.receipts.SendCustomerIPPReceiptEmail(ctx, o, p.settings, charge); err != nil {
			return fmt.Errorf("send ipp receipt: %w", err)
		}
	}
	return nil
}

// handleIntentFailed notes the failure; the status only moves to failed
// when the order is not already paid-like.
func (p *Processor) handleIntentFailed(ctx context.Context, object map[string]any) error {
	intentID := str(object, "id")
	o, err := p.orderFromIntent(ctx, object, intentID)
	if err != nil {
		return err
	}
	if o.Status == order.StatusFailed {
		return nil
	}
	message := str(nestedMap(object, "last_payment_error"), "message")
	if o.IsPaid() {
		note := fmt.Sprintf("Payment intent %s reported a failed charge attempt after payment was received: %s", intentID, message)
		if err := p.store.AddNote(ctx, o.ID, note); err != nil {
			return fmt.Errorf("note late failure: %w", err)
		}
		return nil
	}
	return p.rec.MarkPaymentFailed(ctx, o, intentID, str(object, "status"), firstCharge(object).ID, message)
}

func (p *Processor) handleIntentRequiresAction(ctx context.Context, object map[string]any) error {
	intentID := str(object, "id")
	o, err := p.orderFromIntent(ctx, object, intentID)
	if err != nil {
		return err
	}
	return p.rec.MarkPaymentStarted(ctx, o, intentID, str(object, "status"))
}

func (p *Processor) handleIntentAuthorized(ctx context.Context, object map[string]any) error {
	intentID := str(object, "id")
	o, err := p.orderFromIntent(ctx, object, intentID)
	if err != nil {
		return err
	}
	return p.rec.MarkPaymentAuthorized(ctx, o, intentID, str(object, "status"), firstCharge(object).ID)
}

func (p *Processor) handleIntentCanceled(ctx context.Context, object map[string]any) error {
	intentID := str(object, "id")
	o, err := p.orderFromIntent(ctx, object, intentID)
	if err != nil {
		return err
	}
	return p.rec.MarkPaymentCaptureCancelled(ctx, o, intentID, str(object, "status"))
}

// orderFromIntent resolves the order by intent id, falling back to the
// order id the provider stored in the intent metadata.
func (p *Processor) orderFromIntent(ctx context.Context, object map[string]any, intentID string) (*order.Order, error) {
	o, err := p.store.OrderFromIntentID(ctx, intentID)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, order.ErrNotFound) {
		return nil, fmt.Errorf("resolve order for intent %s: %w", intentID, err)
	}
	orderID := str(nestedMap(object, "metadata"), "order_id")
	if orderID == "" {
		return nil, fmt.Errorf("resolve order for intent %s: %w", intentID, order.ErrNotFound)
	}
	o, err = p.store.OrderFromOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("resolve order %s for intent %s: %w", orderID, intentID, err)
	}
	return o, nil
}

func (p *Processor) attachIntentMeta(ctx context.Context, o *order.Order, intentID string, object map[string]any, charge gateway.Charge) error {
	set := func(key, value string) error {
		if value == "" {
			return nil
		}
		if err := p.store.SetMeta(ctx, o.ID, key, value); err != nil {
			return fmt.Errorf("attach intent metadata %s: %w", key, err)
		}
		if o.Metadata == nil {
			o.Metadata = map[string]string{}
		}
		o.Metadata[key] = value
		return nil
	}
	if err := set(order.MetaTransactionID, intentID); err != nil {
		return err
	}
	if err := set(order.MetaChargeID, charge.ID); err != nil {
		return err
	}
	if err := set(order.MetaPaymentMethodID, charge.PaymentMethod); err != nil {
		return err
	}
	return set(order.MetaIntentCurrency, str(object, "currency"))
}

// firstCharge extracts the charge snapshot at charges.data[0], tolerating
// any missing level.
func firstCharge(object map[string]any) gateway.Charge {
	charges := nestedMap(object, "charges")
	data, _ := charges["data"].([]any)
	if len(data) == 0 {
		return gateway.Charge{}
	}
	first, _ := data[0].(map[string]any)
	return gateway.Charge{
		ID:                str(first, "id"),
		PaymentMethod:     str(first, "payment_method"),
		PaymentMethodType: str(nestedMap(first, "payment_method_details"), "type"),
	}
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func nestedMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}
