package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// JobStore tracks scheduled background jobs so the scheduler can answer
// pending_action_exists. Rows are deleted once the worker finishes a job.
type JobStore struct {
	DB *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{DB: db}
}

func (s *JobStore) InsertJob(ctx context.Context, jobID, action string, args []byte, runAt time.Time) error {
	if s.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO pending_jobs (id, action, args, run_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO NOTHING
    `, jobID, action, args, runAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", jobID, err)
	}
	return nil
}

func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	if s.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM pending_jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

// PendingActionExists reports whether any job for the action is still
// queued or running.
func (s *JobStore) PendingActionExists(ctx context.Context, action string) (bool, error) {
	if s.DB == nil {
		return false, fmt.Errorf("database not initialized")
	}
	var exists bool
	err := s.DB.QueryRowContext(ctx, `
        SELECT EXISTS (SELECT 1 FROM pending_jobs WHERE action = $1)
    `, action).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check pending jobs: %w", err)
	}
	return exists, nil
}
