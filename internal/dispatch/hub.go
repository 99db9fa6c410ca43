package dispatch

import (
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/observability"
)

// Subscription receives events for one topic until it is unsubscribed.
type Subscription struct {
	ID    string
	Topic Topic
	C     <-chan Event

	ch chan Event
}

// Hub is the in-process publish/subscribe broker. Delivery is best effort:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[Topic]map[string]*Subscription
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[Topic]map[string]*Subscription), buffer: buffer}
}

func (h *Hub) Subscribe(topic Topic) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{ID: uuid.NewString(), Topic: topic, C: ch, ch: ch}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[string]*Subscription)
	}
	h.subs[topic][s.ID] = s
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.Topic]
	if !ok {
		return
	}
	if _, ok := set[s.ID]; !ok {
		return
	}
	delete(set, s.ID)
	close(s.ch)
	if len(set) == 0 {
		delete(h.subs, s.Topic)
	}
}

func (h *Hub) Publish(topic Topic, ev Event) {
	ev.Topic = topic
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[topic] {
		select {
		case s.ch <- ev:
			observability.EventsPublished.WithLabelValues("hub").Inc()
		default:
			observability.EventsDropped.WithLabelValues("hub").Inc()
		}
	}
}

// Subscribers reports how many subscriptions a topic has.
func (h *Hub) Subscribers(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
