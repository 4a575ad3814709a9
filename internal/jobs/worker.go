package jobs

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// HandlerFunc executes one job. Errors are logged by the worker; whether
// to retry is the scheduler's concern, not the handler's.
type HandlerFunc func(ctx context.Context, args map[string]string) error

// Worker consumes the jobs topic and dispatches jobs to registered
// actions once their run-at time has passed.
type Worker struct {
	reader   *kafka.Reader
	store    Store
	handlers map[string]HandlerFunc
}

func NewWorker(brokers []string, topic, group string, store Store) *Worker {
	return &Worker{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 1e3, MaxBytes: 10e6,
		}),
		store:    store,
		handlers: map[string]HandlerFunc{},
	}
}

func (w *Worker) Register(action string, h HandlerFunc) { w.handlers[action] = h }

func (w *Worker) Close() error { return w.reader.Close() }

// Run blocks consuming jobs until the context is cancelled or the reader
// fails.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[jobworker] consuming jobs")
	for {
		msg, err := w.reader.ReadMessage(ctx)
		if err != nil {
			return err
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			log.Printf("[jobworker] bad json: %v; payload=%s", err, string(msg.Value))
			continue
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job Job) {
	// Always clear the bookkeeping row, even when the handler fails,
	// so pending_action_exists reflects queue state only.
	defer func() {
		if err := w.store.DeleteJob(ctx, job.ID); err != nil {
			log.Printf("[jobworker] failed to clear job %s: %v", job.ID, err)
		}
	}()

	if wait := time.Until(job.RunAt); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	h, ok := w.handlers[job.Action]
	if !ok {
		log.Printf("[jobworker] no handler for action %s, dropping job %s", job.Action, job.ID)
		return
	}
	if err := h(ctx, job.Args); err != nil {
		log.Printf("[jobworker] job %s (%s) failed: %v", job.ID, job.Action, err)
		return
	}
	log.Printf("[jobworker] job %s (%s) done", job.ID, job.Action)
}
