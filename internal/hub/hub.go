// Package hub fans validated flashblock events out to an arbitrary number
// of downstream subscribers. A slow or stalled subscriber never blocks
// ingestion or any other subscriber: delivery is a non-blocking hand-off
// into a bounded per-subscriber queue with a per-subscriber overflow
// policy.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flashmev/flashblocks-relay/internal/flashblocks"
)

// Hub owns the subscriber registry. Registration, deregistration and
// publishing are all safe to call concurrently.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscriber

	published atomic.Uint64
	logger    *zap.Logger
}

// New creates an empty Hub.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[uuid.UUID]*Subscriber),
		logger: logger,
	}
}

// Register adds a new Active subscriber with an empty queue of the given
// capacity. Events published before registration are never delivered.
func (h *Hub) Register(policy Policy, buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	sub := newSubscriber(policy, buffer)

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber registered",
		zap.String("id", sub.id.String()),
		zap.String("policy", policy.String()),
		zap.Int("buffer", buffer),
	)
	return sub
}

// Deregister closes the subscriber and removes it from the registry.
// Idempotent; safe to call concurrently with Publish.
func (h *Hub) Deregister(id uuid.UUID) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	if sub.transition(StateClosed) {
		close(sub.done)
	}
	h.logger.Debug("subscriber deregistered",
		zap.String("id", id.String()),
		zap.Uint64("dropped", sub.Dropped()),
	)
}

// Publish delivers ev to every Active subscriber. It never blocks on a
// full queue and completes in time proportional to the subscriber count
// only.
func (h *Hub) Publish(ev flashblocks.Event) {
	h.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	h.published.Add(1)

	for _, sub := range snapshot {
		h.deliver(sub, ev)
	}
}

func (h *Hub) deliver(sub *Subscriber, ev flashblocks.Event) {
	if sub.State() != StateActive {
		return
	}

	select {
	case sub.events <- ev:
		return
	default:
	}

	switch sub.policy {
	case DropOldest:
		// Make room by discarding the oldest queued event. The drain loop
		// may race us for it, so the retried send stays non-blocking; if it
		// still loses, the event dropped is the incoming one, not an older
		// queued one. Either way exactly one event is lost and counted.
		select {
		case <-sub.events:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.events <- ev:
		default:
			sub.dropped.Add(1)
		}

	case Disconnect:
		if sub.transition(StateDraining) {
			h.logger.Info("subscriber overflow, disconnecting",
				zap.String("id", sub.id.String()),
			)
			go h.Deregister(sub.id)
		}
	}
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Published reports how many events have been published.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Close deregisters every subscriber. Used on shutdown so adapter drain
// loops observe Done and hang up their clients.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for id, sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if sub.transition(StateClosed) {
			close(sub.done)
		}
	}
	h.logger.Info("hub closed", zap.Int("subscribers", len(subs)))
}
