package gateway

import (
	"context"
	"fmt"
	"strings"
)

// Intent statuses reported by the payment provider.
const (
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusRequiresCapture       = "requires_capture"
	IntentStatusProcessing            = "processing"
	IntentStatusSucceeded             = "succeeded"
	IntentStatusCanceled              = "canceled"
	IntentStatusFailed                = "failed"
)

// Intent is the provider-side record of an attempted charge. It is
// referenced by the reconciliation core but never owned by it.
type Intent struct {
	ID              string
	Status          string
	Amount          int64
	Currency        string
	ChargeID        string
	PaymentMethodID string
	Metadata        map[string]string
}

// OrderID returns the local order id the provider stored on the intent,
// or "" when the intent was created outside this system.
func (i *Intent) OrderID() string {
	if i == nil {
		return ""
	}
	return i.Metadata["order_id"]
}

// IsSetupIntent reports whether an id refers to a setup intent rather
// than a payment intent. Setup intents never represent a charge.
func IsSetupIntent(id string) bool {
	return strings.HasPrefix(id, "seti_")
}

// Charge is the snapshot of a charge carried inside webhook payloads.
type Charge struct {
	ID                string
	PaymentMethod     string
	PaymentMethodType string
}

// Event is one provider webhook event, fetched or delivered.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Object map[string]any `json:"object"`
}

// APIClient is the outbound provider API surface the core depends on.
// Network transport lives behind this interface; see stripe.go.
type APIClient interface {
	GetIntent(ctx context.Context, id string) (*Intent, error)
	CreateAndConfirmIntent(ctx context.Context, req *CreateIntentRequest) (*Intent, error)
	CaptureIntent(ctx context.Context, id string) (*Intent, error)
	CancelIntent(ctx context.Context, id string) (*Intent, error)
	RefundCharge(ctx context.Context, chargeID string, amount int64) (string, error)
	// GetFailedWebhookEvents returns one page of events the provider could
	// not deliver, plus whether more pages remain.
	GetFailedWebhookEvents(ctx context.Context, cursor string) ([]Event, bool, error)
}

// CreateIntentRequest carries the fields needed to create and confirm a
// new payment intent for an order.
type CreateIntentRequest struct {
	OrderID         string
	Amount          int64
	Currency        string
	PaymentMethodID string
	CaptureManually bool
}

// APIError is the typed failure surfaced by APIClient implementations.
type APIError struct {
	Code   string
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway api error (code=%s status=%d): %s", e.Code, e.Status, e.Msg)
}

// Settings is the read-only gateway configuration the core consults.
type Settings struct {
	// Merchant display fields used on customer receipts.
	BusinessName    string
	SupportEmail    string
	SupportPhone    string
	StatementSuffix string

	// DashboardURL is the base for reference links appended to order notes.
	DashboardURL string

	// SuccessfulStatuses is the set of intent statuses the duplicate guard
	// treats as an already-successful charge.
	SuccessfulStatuses []string
}

// IsSuccessfulStatus reports whether the duplicate guard should treat the
// given intent status as an existing successful charge.
func (s Settings) IsSuccessfulStatus(status string) bool {
	for _, ok := range s.SuccessfulStatuses {
		if ok == status {
			return true
		}
	}
	return false
}

// IntentDashboardURL builds the reference link for an intent id.
func (s Settings) IntentDashboardURL(intentID string) string {
	base := s.DashboardURL
	if base == "" {
		base = "https://dashboard.stripe.com"
	}
	return fmt.Sprintf("%s/payments/%s", strings.TrimRight(base, "/"), intentID)
}

// DefaultSuccessfulStatuses is the provider's successful set when no
// override is configured.
func DefaultSuccessfulStatuses() []string {
	return []string{IntentStatusSucceeded, IntentStatusProcessing, IntentStatusRequiresCapture}
}
