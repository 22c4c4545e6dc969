package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"callbridge/internal/calls"
)

// Subscriber consumes lifecycle events. It must not block for long: it runs on
// the goroutine that terminated the call.
type Subscriber func(ctx context.Context, ev calls.LifecycleEvent)

// Envelope is the wire form of a lifecycle event for Redis and websocket consumers.
type Envelope struct {
	Type  string               `json:"type"`
	Event calls.LifecycleEvent `json:"event"`
}

func encode(ev calls.LifecycleEvent) ([]byte, error) {
	return json.Marshal(Envelope{Type: calls.EventTypeCallEnded, Event: ev})
}

type subscription struct {
	name string
	fn   Subscriber
}

// Hub fans lifecycle events out to subscribers in subscription order.
// A panicking subscriber is logged and does not affect the others.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	next int
	subs map[int]subscription
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, subs: map[int]subscription{}}
}

// Subscribe registers fn under name and returns a function that removes it.
func (h *Hub) Subscribe(name string, fn Subscriber) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = subscription{name: name, fn: fn}
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *Hub) Publish(ctx context.Context, ev calls.LifecycleEvent) {
	h.mu.RLock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, h.subs[id])
	}
	h.mu.RUnlock()

	h.log.Info("call lifecycle event",
		"conversation_id", ev.ConversationID,
		"call_sid", ev.CarrierCallID,
		"final_state", ev.FinalState,
		"carrier_status", ev.CarrierStatus,
		"reason", ev.Reason,
	)
	for _, s := range subs {
		h.deliver(ctx, s, ev)
	}
}

func (h *Hub) deliver(ctx context.Context, s subscription, ev calls.LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("lifecycle subscriber panicked", "subscriber", s.name, "panic", r, "conversation_id", ev.ConversationID)
		}
	}()
	s.fn(ctx, ev)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
