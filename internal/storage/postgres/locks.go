package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultLockTTL bounds staleness when a process crashes mid-update
// without releasing its lock.
const DefaultLockTTL = 5 * time.Minute

// LockStore implements the order lock as a persisted TTL record, since
// the synchronous and webhook paths run in separate processes with no
// shared memory.
type LockStore struct {
	DB  *sql.DB
	TTL time.Duration
}

func NewLockStore(db *sql.DB) *LockStore {
	return &LockStore{DB: db, TTL: DefaultLockTTL}
}

// TryAcquire creates the lock record only if absent (or expired) and
// reports whether this caller now holds it.
func (s *LockStore) TryAcquire(ctx context.Context, orderID, intentID string) (bool, error) {
	if s.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	res, err := s.DB.ExecContext(ctx, `
        INSERT INTO order_locks (order_id, intent_id, expires_at)
        VALUES ($1, $2, CURRENT_TIMESTAMP + $3 * INTERVAL '1 second')
        ON CONFLICT (order_id) DO UPDATE SET
            intent_id = EXCLUDED.intent_id,
            expires_at = EXCLUDED.expires_at
        WHERE order_locks.expires_at < CURRENT_TIMESTAMP
    `, orderID, intentID, int(s.TTL.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to acquire order lock: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// Release deletes the lock record unconditionally.
func (s *LockStore) Release(ctx context.Context, orderID string) error {
	if s.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM order_locks WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("failed to release order lock: %w", err)
	}
	return nil
}
