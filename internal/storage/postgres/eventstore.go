package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultEventTTL keeps fetched webhook payloads around just long enough
// for their processing job to pick them up.
const DefaultEventTTL = time.Hour

// EventStore transiently persists fetched webhook payloads keyed by event
// id. Each payload is write-once and delete-once; reads past the TTL
// behave as absent.
type EventStore struct {
	DB  *sql.DB
	TTL time.Duration
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{DB: db, TTL: DefaultEventTTL}
}

// Save persists a payload under the event id. A payload already present
// for the id is left untouched.
func (s *EventStore) Save(ctx context.Context, eventID string, payload []byte) error {
	if s.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO webhook_events (id, payload, expires_at)
        VALUES ($1, $2, CURRENT_TIMESTAMP + $3 * INTERVAL '1 second')
        ON CONFLICT (id) DO NOTHING
    `, eventID, payload, int(s.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to save webhook event %s: %w", eventID, err)
	}
	return nil
}

// Get returns the payload for an event id, reporting absence for unknown
// or expired ids.
func (s *EventStore) Get(ctx context.Context, eventID string) ([]byte, bool, error) {
	if s.DB == nil {
		return nil, false, fmt.Errorf("database not initialized")
	}
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `
        SELECT payload FROM webhook_events
        WHERE id = $1 AND expires_at > CURRENT_TIMESTAMP
    `, eventID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load webhook event %s: %w", eventID, err)
	}
	return payload, true, nil
}

// Delete removes the payload. Deleting an absent id is not an error.
func (s *EventStore) Delete(ctx context.Context, eventID string) error {
	if s.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM webhook_events WHERE id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to delete webhook event %s: %w", eventID, err)
	}
	return nil
}
