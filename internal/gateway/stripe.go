package gateway

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/event"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
)

const eventPageLimit = 100

// StripeClient implements APIClient against the Stripe API.
type StripeClient struct{}

// NewStripeClient configures the global Stripe key and returns a client.
func NewStripeClient(secretKey string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{}
}

func (c *StripeClient) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, wrapStripeErr("get intent", err)
	}
	return intentFromStripe(pi), nil
}

func (c *StripeClient) CreateAndConfirmIntent(ctx context.Context, req *CreateIntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if req.CaptureManually {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddExpand("latest_charge")
	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripeErr("create intent", err)
	}
	return intentFromStripe(pi), nil
}

func (c *StripeClient) CaptureIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	pi, err := paymentintent.Capture(id, params)
	if err != nil {
		return nil, wrapStripeErr("capture intent", err)
	}
	return intentFromStripe(pi), nil
}

func (c *StripeClient) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := paymentintent.Cancel(id, params)
	if err != nil {
		return nil, wrapStripeErr("cancel intent", err)
	}
	return intentFromStripe(pi), nil
}

func (c *StripeClient) RefundCharge(ctx context.Context, chargeID string, amount int64) (string, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(chargeID),
		Amount: stripe.Int64(amount),
	}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return "", wrapStripeErr("refund charge", err)
	}
	return r.ID, nil
}

// GetFailedWebhookEvents lists one page of events Stripe failed to deliver
// to the webhook endpoint, oldest cursor first.
func (c *StripeClient) GetFailedWebhookEvents(ctx context.Context, cursor string) ([]Event, bool, error) {
	params := &stripe.EventListParams{
		DeliverySuccess: stripe.Bool(false),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(eventPageLimit)
	params.Single = true
	if cursor != "" {
		params.StartingAfter = stripe.String(cursor)
	}

	iter := event.List(params)
	var out []Event
	for iter.Next() {
		ev := iter.Event()
		var obj map[string]any
		if ev.Data != nil {
			obj = ev.Data.Object
		}
		out = append(out, Event{ID: ev.ID, Type: string(ev.Type), Object: obj})
	}
	if err := iter.Err(); err != nil {
		return nil, false, wrapStripeErr("list failed webhook events", err)
	}
	hasMore := false
	if meta := iter.Meta(); meta != nil {
		hasMore = meta.HasMore
	}
	return out, hasMore, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	out := &Intent{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
		Metadata: pi.Metadata,
	}
	if pi.LatestCharge != nil {
		out.ChargeID = pi.LatestCharge.ID
	}
	if pi.PaymentMethod != nil {
		out.PaymentMethodID = pi.PaymentMethod.ID
	}
	return out
}

func wrapStripeErr(op string, err error) error {
	if se, ok := err.(*stripe.Error); ok {
		return &APIError{Code: string(se.Code), Status: se.HTTPStatusCode, Msg: se.Msg}
	}
	return fmt.Errorf("%s: %w", op, err)
}
