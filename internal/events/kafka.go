package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fintlabs/payment-reconciler/internal/order"
)

// Producer publishes order lifecycle events to Kafka.
type Producer struct {
	w     *kafka.Writer
	topic string
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Balancer: &kafka.Hash{}, // partition by Kafka message key
		}),
		topic: topic,
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Envelope is the standard event schema published downstream.
// Keep it small and stable.
type Envelope struct {
	EventType    string      `json:"eventType"`
	EventVersion string      `json:"eventVersion"`
	OccurredAt   time.Time   `json:"occurredAt"`
	AggregateID  string      `json:"aggregateId"` // orderId
	Data         interface{} `json:"data"`
}

// Publish writes a single message keyed by the aggregate id so per-order
// ordering is preserved.
func (p *Producer) Publish(ctx context.Context, key string, evt Envelope) error {
	evt.OccurredAt = time.Now().UTC()
	val, _ := json.Marshal(evt)
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(key),
		Value: val,
	})
}

// PaymentComplete is the external "payment complete" effect triggered by
// the intent state machine when an order reaches a paid-like status.
func (p *Producer) PaymentComplete(ctx context.Context, o *order.Order, intentID string) error {
	return p.Publish(ctx, o.ID, Envelope{
		EventType:    "PaymentCompleted",
		EventVersion: "v1",
		AggregateID:  o.ID,
		Data: map[string]any{
			"orderId":  o.ID,
			"intentId": intentID,
			"amount":   o.Total,
			"currency": o.Currency,
			"status":   string(o.Status),
		},
	})
}
