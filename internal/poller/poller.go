package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/jobs"
)

// EventStore transiently persists fetched event payloads keyed by id.
// Absence (unknown or expired id) is reported, not an error.
type EventStore interface {
	Save(ctx context.Context, eventID string, payload []byte) error
	Get(ctx context.Context, eventID string) ([]byte, bool, error)
	Delete(ctx context.Context, eventID string) error
}

// EventProcessor consumes one validated-or-not webhook payload.
type EventProcessor interface {
	Process(ctx context.Context, body map[string]any) error
}

// Poller is the webhook reliability subsystem: it fetches events the
// provider failed to deliver and drives each through the event processor
// via one background job per event.
type Poller struct {
	api   gateway.APIClient
	store EventStore
	sched jobs.Scheduler
	proc  EventProcessor
}

func New(api gateway.APIClient, store EventStore, sched jobs.Scheduler, proc EventProcessor) *Poller {
	return &Poller{api: api, store: store, sched: sched, proc: proc}
}

// OnAccountRefreshed kicks off a fetch cycle when the account-refresh
// signal asks for continuous fetching. At most one cycle runs at a time:
// a still-pending fetch job suppresses a new one.
func (p *Poller) OnAccountRefreshed(ctx context.Context, continuousFetch bool) error {
	if !continuousFetch {
		return nil
	}
	pending, err := p.sched.PendingActionExists(ctx, jobs.ActionFetchEvents)
	if err != nil {
		return fmt.Errorf("check pending fetch jobs: %w", err)
	}
	if pending {
		log.Printf("[Poller] fetch cycle already pending, not scheduling another")
		return nil
	}
	return p.sched.ScheduleJob(ctx, time.Now(), jobs.ActionFetchEvents, map[string]string{"cursor": ""})
}

// FetchEventsAndScheduleProcessingJobs pulls one page of undelivered
// events, persists each payload briefly, and schedules one processing job
// per event. While the provider reports more pages it re-schedules itself;
// an API failure logs and stops the cycle without scheduling anything.
func (p *Poller) FetchEventsAndScheduleProcessingJobs(ctx context.Context, cursor string) error {
	events, hasMore, err := p.api.GetFailedWebhookEvents(ctx, cursor)
	if err != nil {
		log.Printf("[Poller] failed to fetch undelivered events: %v", err)
		return nil
	}

	lastID := cursor
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		lastID = ev.ID
		payload, err := json.Marshal(map[string]any{
			"id":   ev.ID,
			"type": ev.Type,
			"data": map[string]any{"object": ev.Object},
		})
		if err != nil {
			log.Printf("[Poller] failed to encode event %s: %v", ev.ID, err)
			continue
		}
		if err := p.store.Save(ctx, ev.ID, payload); err != nil {
			log.Printf("[Poller] failed to persist event %s: %v", ev.ID, err)
			continue
		}
		if err := p.sched.ScheduleJob(ctx, time.Now(), jobs.ActionProcessEvent, map[string]string{"event_id": ev.ID}); err != nil {
			log.Printf("[Poller] failed to schedule processing for event %s: %v", ev.ID, err)
		}
	}

	// A page that never advanced the cursor would refetch itself forever;
	// end the cycle instead.
	if hasMore && lastID != cursor {
		if err := p.sched.ScheduleJob(ctx, time.Now(), jobs.ActionFetchEvents, map[string]string{"cursor": lastID}); err != nil {
			return fmt.Errorf("schedule next fetch page: %w", err)
		}
	}
	return nil
}

// ProcessEvent looks up a persisted payload and hands it to the event
// processor. The payload is deleted on every outcome, so each fetched
// event is attempted at most once per fetch cycle; an absent payload was
// already consumed (or expired) and is a no-op.
func (p *Poller) ProcessEvent(ctx context.Context, eventID string) error {
	payload, found, err := p.store.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event payload %s: %w", eventID, err)
	}
	if !found {
		log.Printf("[Poller] event %s already consumed or expired", eventID)
		return nil
	}
	defer func() {
		if delErr := p.store.Delete(ctx, eventID); delErr != nil {
			log.Printf("[Poller] failed to delete event payload %s: %v", eventID, delErr)
		}
	}()

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("decode event payload %s: %w", eventID, err)
	}
	return p.proc.Process(ctx, body)
}
