package app

import (
	"sync"

	"livequiz-service/internal/domain"
)

// Hub fans change events out to per-session subscribers. Stores embed one
// and publish after every durable write; transports and the scheduler
// subscribe and re-read state on each event.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[chan domain.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[chan domain.Event]struct{})}
}

// Subscribe registers a listener for one session. The caller must invoke
// the returned cancel function to avoid leaks.
func (h *Hub) Subscribe(sessionID string) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 8)

	h.mu.Lock()
	set, ok := h.subscribers[sessionID]
	if !ok {
		set = make(map[chan domain.Event]struct{})
		h.subscribers[sessionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subscribers[sessionID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subscribers, sessionID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its session. Slow
// consumers have their oldest pending event dropped rather than blocking
// the writer; observers re-read full state anyway.
func (h *Hub) Publish(event domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[event.SessionID] {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}
