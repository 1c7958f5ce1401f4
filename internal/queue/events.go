package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"storeorders/internal/models"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
)

// Event is one entry on the order stream. Order is the full order as committed.
type Event struct {
	Type  string
	Order models.Order
}

type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewPublisher(client *redis.Client, stream string) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: 100_000}
}

func (p *Publisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":     event.Type,
			"order_id": event.Order.ID,
			"order":    string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// DecodeEvent reverses Publish.
func DecodeEvent(msg redis.XMessage) (Event, error) {
	eventType, _ := msg.Values["type"].(string)
	if eventType == "" {
		return Event{}, fmt.Errorf("message %s: missing type", msg.ID)
	}
	raw, _ := msg.Values["order"].(string)
	var order models.Order
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return Event{}, fmt.Errorf("message %s: decode order: %w", msg.ID, err)
	}
	return Event{Type: eventType, Order: order}, nil
}
