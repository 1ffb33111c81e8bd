package redis

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"livequiz-service/internal/domain"
)

// EventBus fans session change events out across service instances via
// Redis pub/sub, one channel per session. A host and its participants may
// land on different instances behind a load balancer; the bus is what
// keeps their views converging on the same store state.
type EventBus struct {
	client *redis.Client
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

func channelFor(sessionID string) string {
	return "session:" + sessionID + ":events"
}

// Publish broadcasts one change event. Best effort: a dropped event only
// delays observers until the next one, since they re-read full state.
func (b *EventBus) Publish(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event bus: marshal event for %s: %v", event.SessionID, err)
		return
	}
	if err := b.client.Publish(context.Background(), channelFor(event.SessionID), payload).Err(); err != nil {
		log.Printf("event bus: publish for %s failed: %v", event.SessionID, err)
	}
}

// Subscribe implements app.Notifier over the bus.
func (b *EventBus) Subscribe(sessionID string) (<-chan domain.Event, func()) {
	sub := b.client.Subscribe(context.Background(), channelFor(sessionID))
	out := make(chan domain.Event, 8)

	go func() {
		for msg := range sub.Channel() {
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("event bus: bad payload on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- event:
			default:
				// Drop the oldest pending event for slow consumers.
				select {
				case <-out:
				default:
				}
				out <- event
			}
		}
		close(out)
	}()

	cancel := func() {
		_ = sub.Close()
	}
	return out, cancel
}
