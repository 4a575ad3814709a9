package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Action names understood by the worker.
const (
	ActionProcessEvent = "reconciler/process_event"
	ActionFetchEvents  = "reconciler/fetch_events"
)

// Scheduler is the external job scheduler boundary: fire-and-forget
// scheduling of a named action to run at or after a timestamp. Retry
// policy after handoff is owned by the scheduler, not the caller.
type Scheduler interface {
	ScheduleJob(ctx context.Context, runAt time.Time, action string, args map[string]string) error
	PendingActionExists(ctx context.Context, action string) (bool, error)
}

// Store is the bookkeeping side of the scheduler: one row per queued job,
// removed when the worker finishes it.
type Store interface {
	InsertJob(ctx context.Context, jobID, action string, args []byte, runAt time.Time) error
	DeleteJob(ctx context.Context, jobID string) error
	PendingActionExists(ctx context.Context, action string) (bool, error)
}

// Job is the wire format handed to the worker.
type Job struct {
	ID     string            `json:"id"`
	Action string            `json:"action"`
	Args   map[string]string `json:"args"`
	RunAt  time.Time         `json:"runAt"`
}

// KafkaScheduler persists a pending-job row and publishes the job to the
// jobs topic for the worker to execute.
type KafkaScheduler struct {
	w     *kafka.Writer
	topic string
	store Store
}

func NewKafkaScheduler(brokers []string, topic string, store Store) *KafkaScheduler {
	return &KafkaScheduler{
		w: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Balancer: &kafka.Hash{},
		}),
		topic: topic,
		store: store,
	}
}

func (s *KafkaScheduler) Close() error { return s.w.Close() }

func (s *KafkaScheduler) ScheduleJob(ctx context.Context, runAt time.Time, action string, args map[string]string) error {
	job := Job{ID: uuid.NewString(), Action: action, Args: args, RunAt: runAt.UTC()}
	argsJSON, _ := json.Marshal(args)
	if err := s.store.InsertJob(ctx, job.ID, action, argsJSON, runAt); err != nil {
		return fmt.Errorf("record pending job: %w", err)
	}
	val, _ := json.Marshal(job)
	if err := s.w.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(action),
		Value: val,
	}); err != nil {
		// Roll the bookkeeping row back so pending_action_exists stays honest.
		if delErr := s.store.DeleteJob(ctx, job.ID); delErr != nil {
			log.Printf("[Jobs] failed to delete unpublished job %s: %v", job.ID, delErr)
		}
		return fmt.Errorf("publish job: %w", err)
	}
	log.Printf("[Jobs] scheduled %s job %s (run at %s)", action, job.ID, job.RunAt.Format(time.RFC3339))
	return nil
}

func (s *KafkaScheduler) PendingActionExists(ctx context.Context, action string) (bool, error) {
	return s.store.PendingActionExists(ctx, action)
}
