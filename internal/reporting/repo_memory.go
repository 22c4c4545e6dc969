package reporting

import (
	"context"
	"sync"
	"time"

	"callbridge/internal/calls"
)

// MemoryRepo keeps lifecycle events for the lifetime of the process.
// Record has the notify.Subscriber signature so it can be wired to the hub directly.
type MemoryRepo struct {
	mu     sync.Mutex
	events []calls.LifecycleEvent
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Record(ctx context.Context, ev calls.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *MemoryRepo) ListLifecycleEvents(ctx context.Context, from, to time.Time) ([]calls.LifecycleEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.LifecycleEvent, 0)
	for _, ev := range r.events {
		if ev.EndedAt.Before(from) || ev.EndedAt.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
