package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the local order lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOnHold     Status = "on-hold"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Metadata keys written by the reconciliation core.
const (
	MetaTransactionID      = "_transaction_id"
	MetaChargeID           = "_charge_id"
	MetaPaymentMethodID    = "_payment_method_id"
	MetaIntentionStatus    = "_intention_status"
	MetaFraudOutcomeStatus = "_fraud_outcome_status"
	MetaRefundFailed       = "_refund_failed"
	MetaIntentCurrency     = "_intent_currency"
)

// Fraud outcome values stored under MetaFraudOutcomeStatus.
const (
	FraudOutcomeApprove = "approve"
	FraudOutcomeReview  = "review"
	FraudOutcomeBlock   = "block"
)

// ErrNotFound is returned by Store lookups when no order matches.
var ErrNotFound = errors.New("order not found")

// Note is one entry in the order's append-only note log.
type Note struct {
	Content   string
	CreatedAt time.Time
}

// Order is the single shared mutable aggregate of the core. It is owned
// by the Store and mutated only through lock-guarded operations.
type Order struct {
	ID        string
	Status    Status
	Currency  string
	Total     int64 // minor units
	CartHash  string
	ReturnURL string
	Metadata  map[string]string
	Notes     []Note
}

// Meta returns a metadata value, "" when unset.
func (o *Order) Meta(key string) string {
	if o == nil || o.Metadata == nil {
		return ""
	}
	return o.Metadata[key]
}

// IntentID returns the attached payment intent id, if any.
func (o *Order) IntentID() string { return o.Meta(MetaTransactionID) }

// IsPaid reports whether the order is in a paid-like status, i.e. the
// store already considers payment received.
func (o *Order) IsPaid() bool {
	return o != nil && (o.Status == StatusProcessing || o.Status == StatusCompleted)
}

// IsTerminal reports whether the order status may no longer change.
// Notes may still be appended to terminal orders.
func (o *Order) IsTerminal() bool {
	if o == nil {
		return false
	}
	switch o.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// FormatAmount renders the order total for notes, e.g. "50.00 USD". The
// intent-currency metadata override wins when present.
func (o *Order) FormatAmount() string {
	currency := o.Meta(MetaIntentCurrency)
	if currency == "" {
		currency = o.Currency
	}
	return fmt.Sprintf("%.2f %s", float64(o.Total)/100, strings.ToUpper(currency))
}

// Refund is a local refund record tied to an order.
type Refund struct {
	ID       string
	OrderID  string
	RemoteID string
	Amount   int64
	Reason   string
}

// Store is the external order store boundary. Lookups return ErrNotFound
// when nothing matches; mutations are applied immediately.
type Store interface {
	OrderFromOrderID(ctx context.Context, id string) (*Order, error)
	OrderFromIntentID(ctx context.Context, intentID string) (*Order, error)
	OrderFromChargeID(ctx context.Context, chargeID string) (*Order, error)

	UpdateStatus(ctx context.Context, orderID string, status Status) error
	SetMeta(ctx context.Context, orderID, key, value string) error
	AddNote(ctx context.Context, orderID, content string) error
	HasNote(ctx context.Context, orderID, contains string) (bool, error)
	Trash(ctx context.Context, orderID string) error

	CreateRefund(ctx context.Context, r *Refund) error
	DeleteRefund(ctx context.Context, remoteID string) error
}
