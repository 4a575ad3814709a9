package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/fintlabs/payment-reconciler/internal/order"
)

// Repository is a thin wrapper around *sql.DB implementing order.Store.
// Prefer adding methods here instead of using package-level globals.
type Repository struct {
	DB *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{DB: db}
}

// OrderFromOrderID loads an order with its metadata and notes.
func (r *Repository) OrderFromOrderID(ctx context.Context, id string) (*order.Order, error) {
	if r.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	row := r.DB.QueryRowContext(ctx, `
        SELECT id, status, currency, total, cart_hash, return_url
        FROM orders
        WHERE id = $1 AND trashed = FALSE
    `, id)
	return r.scanOrder(ctx, row)
}

// OrderFromIntentID resolves an order through its transaction-id metadata.
func (r *Repository) OrderFromIntentID(ctx context.Context, intentID string) (*order.Order, error) {
	return r.orderFromMeta(ctx, order.MetaTransactionID, intentID)
}

// OrderFromChargeID resolves an order through its charge-id metadata.
func (r *Repository) OrderFromChargeID(ctx context.Context, chargeID string) (*order.Order, error) {
	return r.orderFromMeta(ctx, order.MetaChargeID, chargeID)
}

func (r *Repository) orderFromMeta(ctx context.Context, key, value string) (*order.Order, error) {
	if r.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	row := r.DB.QueryRowContext(ctx, `
        SELECT o.id, o.status, o.currency, o.total, o.cart_hash, o.return_url
        FROM orders o
        JOIN order_meta m ON m.order_id = o.id
        WHERE m.key = $1 AND m.value = $2 AND o.trashed = FALSE
        ORDER BY o.created_at DESC
        LIMIT 1
    `, key, value)
	return r.scanOrder(ctx, row)
}

func (r *Repository) scanOrder(ctx context.Context, row *sql.Row) (*order.Order, error) {
	var (
		o         order.Order
		status    string
		cartHash  sql.NullString
		returnURL sql.NullString
	)
	if err := row.Scan(&o.ID, &status, &o.Currency, &o.Total, &cartHash, &returnURL); err != nil {
		if err == sql.ErrNoRows {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	o.Status = order.Status(status)
	o.CartHash = cartHash.String
	o.ReturnURL = returnURL.String

	meta, err := r.loadMeta(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Metadata = meta

	notes, err := r.loadNotes(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Notes = notes
	return &o, nil
}

func (r *Repository) loadMeta(ctx context.Context, orderID string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key, value FROM order_meta WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order metadata: %w", err)
	}
	defer rows.Close()
	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan order metadata: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (r *Repository) loadNotes(ctx context.Context, orderID string) ([]order.Note, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT content, created_at FROM order_notes
        WHERE order_id = $1 ORDER BY id
    `, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order notes: %w", err)
	}
	defer rows.Close()
	var notes []order.Note
	for rows.Next() {
		var n order.Note
		if err := rows.Scan(&n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// UpdateStatus updates the order status.
func (r *Repository) UpdateStatus(ctx context.Context, orderID string, status order.Status) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE orders
        SET status = $1, updated_at = CURRENT_TIMESTAMP
        WHERE id = $2
    `, string(status), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", order.ErrNotFound, orderID)
	}
	log.Printf("[DB] Updated order status: %s -> %s", orderID, status)
	return nil
}

// SetMeta upserts one metadata key.
func (r *Repository) SetMeta(ctx context.Context, orderID, key, value string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO order_meta (order_id, key, value)
        VALUES ($1, $2, $3)
        ON CONFLICT (order_id, key) DO UPDATE SET value = EXCLUDED.value
    `, orderID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set order metadata %s: %w", key, err)
	}
	return nil
}

// AddNote appends to the order's note log.
func (r *Repository) AddNote(ctx context.Context, orderID, content string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO order_notes (order_id, content) VALUES ($1, $2)
    `, orderID, content)
	if err != nil {
		return fmt.Errorf("failed to add order note: %w", err)
	}
	return nil
}

// HasNote reports whether any note on the order contains the given text.
func (r *Repository) HasNote(ctx context.Context, orderID, contains string) (bool, error) {
	if r.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM order_notes
            WHERE order_id = $1 AND content LIKE '%' || $2 || '%'
        )
    `, orderID, contains).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check order note: %w", err)
	}
	return exists, nil
}

// Trash soft-deletes an order (duplicate-guard cleanup).
func (r *Repository) Trash(ctx context.Context, orderID string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE orders SET trashed = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1
    `, orderID)
	if err != nil {
		return fmt.Errorf("failed to trash order: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", order.ErrNotFound, orderID)
	}
	log.Printf("[DB] Trashed order: %s", orderID)
	return nil
}

// CreateRefund inserts a local refund record.
func (r *Repository) CreateRefund(ctx context.Context, ref *order.Refund) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO order_refunds (id, order_id, remote_id, amount, reason)
        VALUES ($1, $2, $3, $4, $5)
    `, ref.ID, ref.OrderID, ref.RemoteID, ref.Amount, ref.Reason)
	if err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}
	log.Printf("[DB] Created refund %s for order: %s", ref.ID, ref.OrderID)
	return nil
}

// DeleteRefund removes any local refund record matching the remote id.
func (r *Repository) DeleteRefund(ctx context.Context, remoteID string) error {
	if r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM order_refunds WHERE remote_id = $1`, remoteID); err != nil {
		return fmt.Errorf("failed to delete refund: %w", err)
	}
	return nil
}
