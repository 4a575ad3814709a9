package reconcile

import (
	"context"
	"fmt"
	"log"

	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/order"
)

// LockService is the cross-process exclusive marker keyed by order id.
// TryAcquire creates the TTL record only if absent and reports whether it
// was newly created; Release deletes unconditionally.
type LockService interface {
	TryAcquire(ctx context.Context, orderID, intentID string) (bool, error)
	Release(ctx context.Context, orderID string) error
}

// Effects receives operation-specific side effects. Implementations must
// tolerate being invoked at most once per (order, intent status) pair.
type Effects interface {
	PaymentComplete(ctx context.Context, o *order.Order, intentID string) error
}

// Reconciler maps provider intent status onto local order status. Every
// operation is idempotent and serialized per order through the lock:
// contention and already-in-target-state are silent no-ops, never errors.
type Reconciler struct {
	store    order.Store
	locks    LockService
	effects  Effects
	settings gateway.Settings
}

func New(store order.Store, locks LockService, effects Effects, settings gateway.Settings) *Reconciler {
	return &Reconciler{store: store, locks: locks, effects: effects, settings: settings}
}

// MarkPaymentCompleted moves the order to a paid-like status and triggers
// the external payment-complete effect. No-op when already paid.
func (r *Reconciler) MarkPaymentCompleted(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil || o.IsPaid() {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "Payment completed", intentID); err != nil {
			return err
		}
		if err := r.setStatus(ctx, o, order.StatusProcessing); err != nil {
			return err
		}
		if r.effects != nil {
			if err := r.effects.PaymentComplete(ctx, o, intentID); err != nil {
				return fmt.Errorf("payment complete effect: %w", err)
			}
		}
		return nil
	})
}

// MarkPaymentFailed records a failed charge attempt. No-op when the order
// is already failed.
func (r *Reconciler) MarkPaymentFailed(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID, message string) error {
	if o == nil || o.Status == order.StatusFailed {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		summary := "Payment failed"
		if message != "" {
			summary = fmt.Sprintf("Payment failed: %s", message)
		}
		if err := r.addNote(ctx, o, summary, intentID); err != nil {
			return err
		}
		return r.setStatus(ctx, o, order.StatusFailed)
	})
}

// MarkPaymentAuthorized puts an uncaptured charge on hold and records the
// transaction id. No-op when the order is already on hold.
func (r *Reconciler) MarkPaymentAuthorized(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil || o.Status == order.StatusOnHold {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "Payment authorized, awaiting capture", intentID); err != nil {
			return err
		}
		return r.setStatus(ctx, o, order.StatusOnHold)
	})
}

// MarkPaymentStarted records that a charge attempt began. The order stays
// pending; anything else means a signal already landed, so no-op.
func (r *Reconciler) MarkPaymentStarted(ctx context.Context, o *order.Order, intentID, intentStatus string) error {
	if o == nil || o.Status != order.StatusPending {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, ""); err != nil {
			return err
		}
		return r.addNote(ctx, o, "Payment processing started", intentID)
	})
}

// MarkPaymentCaptureCompleted moves an authorized order to a paid-like
// status once the held funds are captured.
func (r *Reconciler) MarkPaymentCaptureCompleted(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil || o.IsPaid() {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "Payment capture completed", intentID); err != nil {
			return err
		}
		return r.setStatus(ctx, o, order.StatusProcessing)
	})
}

// MarkPaymentCaptureFailed appends a failure note without changing the
// order status. An empty intent status still produces a note but leaves
// the intention-status metadata untouched.
func (r *Reconciler) MarkPaymentCaptureFailed(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		return r.addNote(ctx, o, "Payment capture failed", intentID)
	})
}

// MarkPaymentCaptureExpired cancels an order whose authorization lapsed
// before capture.
func (r *Reconciler) MarkPaymentCaptureExpired(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil || o.Status == order.StatusCancelled {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "Payment authorization expired before capture", intentID); err != nil {
			return err
		}
		return r.setStatus(ctx, o, order.StatusCancelled)
	})
}

// MarkPaymentCaptureCancelled cancels an order whose authorization was
// voided. No charge id is required.
func (r *Reconciler) MarkPaymentCaptureCancelled(ctx context.Context, o *order.Order, intentID, intentStatus string) error {
	if o == nil || o.Status == order.StatusCancelled {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, ""); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "Payment authorization cancelled", intentID); err != nil {
			return err
		}
		return r.setStatus(ctx, o, order.StatusCancelled)
	})
}

// MarkPaymentDisputeCreated holds the order while a dispute is open.
// Disputes are redelivered often and can race the status transitions, so
// idempotency is a note-content existence check rather than a status check.
func (r *Reconciler) MarkPaymentDisputeCreated(ctx context.Context, o *order.Order, disputeID, reason string) error {
	if o == nil {
		return nil
	}
	content := r.noteText(o, fmt.Sprintf("Payment dispute created: %s (dispute %s)", reason, disputeID), disputeID)
	exists, err := r.store.HasNote(ctx, o.ID, content)
	if err != nil {
		return fmt.Errorf("check dispute note: %w", err)
	}
	if exists {
		log.Printf("[Reconcile] order %s: dispute %s already recorded", o.ID, disputeID)
		return nil
	}
	return r.locked(ctx, o, disputeID, func(ctx context.Context) error {
		if err := r.store.AddNote(ctx, o.ID, content); err != nil {
			return fmt.Errorf("add note: %w", err)
		}
		return r.setStatus(ctx, o, order.StatusOnHold)
	})
}

// MarkPaymentDisputeClosed resolves a dispute. Won restores the order to
// completed; lost leaves the status unchanged and records a full refund
// for the order total. Like dispute creation, redeliveries are rejected
// by note existence so the refund record is written at most once.
func (r *Reconciler) MarkPaymentDisputeClosed(ctx context.Context, o *order.Order, disputeID, status string) error {
	if o == nil {
		return nil
	}
	if status == "won" && o.Status == order.StatusCompleted {
		return nil
	}
	content := r.noteText(o, fmt.Sprintf("Payment dispute %s closed with status %s", disputeID, status), disputeID)
	exists, err := r.store.HasNote(ctx, o.ID, content)
	if err != nil {
		return fmt.Errorf("check dispute note: %w", err)
	}
	if exists {
		log.Printf("[Reconcile] order %s: dispute %s close already recorded", o.ID, disputeID)
		return nil
	}
	return r.locked(ctx, o, disputeID, func(ctx context.Context) error {
		if err := r.store.AddNote(ctx, o.ID, content); err != nil {
			return fmt.Errorf("add note: %w", err)
		}
		o.Notes = append(o.Notes, order.Note{Content: content})
		switch status {
		case "won":
			return r.setStatus(ctx, o, order.StatusCompleted)
		case "lost":
			ref := &order.Refund{
				OrderID: o.ID,
				Amount:  o.Total,
				Reason:  "dispute lost",
			}
			if err := r.store.CreateRefund(ctx, ref); err != nil {
				return fmt.Errorf("create dispute refund: %w", err)
			}
		}
		return nil
	})
}

// MarkTerminalPaymentCompleted completes an in-person (terminal) charge
// directly, skipping the processing status.
func (r *Reconciler) MarkTerminalPaymentCompleted(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil || o.IsPaid() {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "In-person payment completed", intentID); err != nil {
			return err
		}
		if err := r.setStatus(ctx, o, order.StatusCompleted); err != nil {
			return err
		}
		if r.effects != nil {
			if err := r.effects.PaymentComplete(ctx, o, intentID); err != nil {
				return fmt.Errorf("payment complete effect: %w", err)
			}
		}
		return nil
	})
}

// MarkCaptureCompletedAfterFraudCheck captures the payment once the fraud
// review approved it.
func (r *Reconciler) MarkCaptureCompletedAfterFraudCheck(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil || o.IsPaid() {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		if err := r.setMeta(ctx, o, order.MetaFraudOutcomeStatus, order.FraudOutcomeApprove); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "Payment capture completed after fraud review", intentID); err != nil {
			return err
		}
		return r.setStatus(ctx, o, order.StatusProcessing)
	})
}

// MarkOrderHeldForReviewForFraud holds the order pending manual fraud review.
func (r *Reconciler) MarkOrderHeldForReviewForFraud(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil || o.Status == order.StatusOnHold {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		if err := r.setMeta(ctx, o, order.MetaFraudOutcomeStatus, order.FraudOutcomeReview); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "Payment held for fraud review", intentID); err != nil {
			return err
		}
		return r.setStatus(ctx, o, order.StatusOnHold)
	})
}

// MarkOrderBlockedForFraud cancels an order the fraud screen rejected.
func (r *Reconciler) MarkOrderBlockedForFraud(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if o == nil || o.Status == order.StatusCancelled {
		return nil
	}
	return r.locked(ctx, o, intentID, func(ctx context.Context) error {
		if err := r.writeIntentMeta(ctx, o, intentID, intentStatus, chargeID); err != nil {
			return err
		}
		if err := r.setMeta(ctx, o, order.MetaFraudOutcomeStatus, order.FraudOutcomeBlock); err != nil {
			return err
		}
		if err := r.addNote(ctx, o, "Payment blocked by fraud screen", intentID); err != nil {
			return err
		}
		return r.setStatus(ctx, o, order.StatusCancelled)
	})
}

// locked runs fn under the order lock. Failing to acquire is a normal
// concurrency outcome: the operation becomes a no-op. The lock is released
// on every exit path, including side-effect failures.
func (r *Reconciler) locked(ctx context.Context, o *order.Order, intentID string, fn func(ctx context.Context) error) error {
	ok, err := r.locks.TryAcquire(ctx, o.ID, intentID)
	if err != nil {
		return fmt.Errorf("acquire order lock: %w", err)
	}
	if !ok {
		log.Printf("[Reconcile] order %s: lock held elsewhere, skipping %s", o.ID, intentID)
		return nil
	}
	defer func() {
		if relErr := r.locks.Release(ctx, o.ID); relErr != nil {
			log.Printf("[Reconcile] order %s: failed to release lock: %v", o.ID, relErr)
		}
	}()
	return fn(ctx)
}

// writeIntentMeta records the intent linkage on the order. An empty
// intentStatus leaves the intention-status metadata unset.
func (r *Reconciler) writeIntentMeta(ctx context.Context, o *order.Order, intentID, intentStatus, chargeID string) error {
	if err := r.setMeta(ctx, o, order.MetaTransactionID, intentID); err != nil {
		return err
	}
	if intentStatus != "" {
		if err := r.setMeta(ctx, o, order.MetaIntentionStatus, intentStatus); err != nil {
			return err
		}
	}
	if chargeID != "" {
		if err := r.setMeta(ctx, o, order.MetaChargeID, chargeID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) setMeta(ctx context.Context, o *order.Order, key, value string) error {
	if err := r.store.SetMeta(ctx, o.ID, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if o.Metadata == nil {
		o.Metadata = map[string]string{}
	}
	o.Metadata[key] = value
	return nil
}

func (r *Reconciler) setStatus(ctx context.Context, o *order.Order, status order.Status) error {
	if o.Status == status {
		return nil
	}
	if err := r.store.UpdateStatus(ctx, o.ID, status); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	log.Printf("[Reconcile] order %s: %s -> %s", o.ID, o.Status, status)
	o.Status = status
	return nil
}

func (r *Reconciler) addNote(ctx context.Context, o *order.Order, summary, refID string) error {
	content := r.noteText(o, summary, refID)
	if err := r.store.AddNote(ctx, o.ID, content); err != nil {
		return fmt.Errorf("add note: %w", err)
	}
	o.Notes = append(o.Notes, order.Note{Content: content})
	return nil
}

func (r *Reconciler) noteText(o *order.Order, summary, refID string) string {
	return fmt.Sprintf("%s (amount %s, intent %s). View payment: %s",
		summary, o.FormatAmount(), refID, r.settings.IntentDashboardURL(refID))
}
