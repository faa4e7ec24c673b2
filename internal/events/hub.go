// Package events carries change notifications out of the workflow core.
// Every batch, attempt-record or worker write publishes a changed(entity,
// id) event; delivery and fan-out to clients belong to the subscriber.
package events

import (
	"sync"
	"time"

	"go.uber.org/fx"
)

// Module provides the change-notification hub.
var Module = fx.Provide(NewHub)

const (
	EntityWorker        = "worker"
	EntityBatch         = "batch"
	EntityAttemptRecord = "attempt_record"
	EntityEmployer      = "employer"
)

const (
	defaultBufferSize       = 100
	defaultSubscriberBuffer = 16
)

// Change describes a single entity mutation.
type Change struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Hub buffers recent changes and fans them out to subscribers.
type Hub struct {
	mu               sync.RWMutex
	buffer           []Change
	subs             map[uint64]chan Change
	nextID           uint64
	bufferSize       int
	subscriberBuffer int
}

// Subscription is a live feed of changes; Close releases it.
type Subscription struct {
	hub  *Hub
	id   uint64
	ch   chan Change
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{
		subs:             make(map[uint64]chan Change),
		bufferSize:       defaultBufferSize,
		subscriberBuffer: defaultSubscriberBuffer,
	}
}

// Publish records the change and notifies subscribers without blocking;
// a slow subscriber drops events rather than stalling a write path.
func (h *Hub) Publish(change Change) {
	h.mu.Lock()
	h.buffer = append(h.buffer, change)
	if len(h.buffer) > h.bufferSize {
		h.buffer = h.buffer[len(h.buffer)-h.bufferSize:]
	}
	channels := make([]chan Change, 0, len(h.subs))
	for _, ch := range h.subs {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- change:
		default:
		}
	}
}

// Changed is the convenience form used after entity writes.
func (h *Hub) Changed(entityType, entityID, action string, at time.Time) {
	h.Publish(Change{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		OccurredAt: at,
	})
}

// Subscribe returns a feed starting with the buffered recent changes.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan Change, h.subscriberBuffer+len(h.buffer))
	for _, change := range h.buffer {
		ch <- change
	}
	h.subs[h.nextID] = ch

	return &Subscription{hub: h, id: h.nextID, ch: ch}
}

// C is the subscriber's receive channel.
func (s *Subscription) C() <-chan Change {
	return s.ch
}

// Close detaches the subscriber from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}

// Recent returns a copy of the buffered changes, newest last.
func (h *Hub) Recent() []Change {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Change, len(h.buffer))
	copy(out, h.buffer)
	return out
}
