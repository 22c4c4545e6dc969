package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/clock"

	"github.com/google/uuid"
)

// PollStopper cancels the polling job for one carrier call. StopIf must be
// idempotent and must leave a job for a different carrier call untouched.
type PollStopper interface {
	StopIf(conversationID, carrierCallID string) bool
}

// Publisher receives the lifecycle event emitted when a call reaches a terminal state.
type Publisher interface {
	Publish(ctx context.Context, ev calls.LifecycleEvent)
}

type Options struct {
	Clock clock.Clock

	// RemovalGrace is how long a terminal record stays readable so late
	// signals and status reads still find it.
	RemovalGrace time.Duration

	Logger *slog.Logger
}

// Result describes the outcome of applying signals to one record.
type Result struct {
	Record  calls.CallRecord
	Changed bool

	// Terminated is true only for the application that moved the record into
	// a terminal state.
	Terminated bool
}

// Reconciler is the single writer of call state. Every input stream (carrier
// webhook, poll result, session presence, operator command) is turned into a
// Signal and applied here under the record lock held by calls.Store.Update.
type Reconciler struct {
	store *calls.Store
	pub   Publisher
	clk   clock.Clock
	grace time.Duration
	log   *slog.Logger

	poller PollStopper

	mu       sync.Mutex
	removals map[string]clock.Timer
}

func New(store *calls.Store, pub Publisher, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RemovalGrace < 0 {
		opts.RemovalGrace = 0
	}
	return &Reconciler{
		store:    store,
		pub:      pub,
		clk:      opts.Clock,
		grace:    opts.RemovalGrace,
		log:      opts.Logger,
		removals: map[string]clock.Timer{},
	}
}

// UsePoller wires the polling scheduler. Call it before any signal is applied.
func (r *Reconciler) UsePoller(p PollStopper) { r.poller = p }

// Apply applies a single signal to the conversation's record.
func (r *Reconciler) Apply(ctx context.Context, conversationID string, sig Signal) (Result, error) {
	return r.ApplyBatch(ctx, conversationID, sig)
}

// ApplyBatch applies signals that arrived in the same tick. The most terminal
// signal goes first so a stale status cannot move a record the others closed.
// Signals bound to a different carrier call than the record's are skipped.
//
// Every input path in the service delivers one signal at a time through
// Apply, where ordering is plain arrival order at the record lock; batching
// is for callers that coalesce inputs themselves.
func (r *Reconciler) ApplyBatch(ctx context.Context, conversationID string, sigs ...Signal) (Result, error) {
	if len(sigs) == 0 {
		rec, err := r.store.Get(conversationID)
		return Result{Record: rec}, err
	}
	ordered := MostTerminalFirst(sigs)

	var (
		changed    bool
		terminated bool
	)
	rec, err := r.store.Update(conversationID, func(cur *calls.CallRecord) error {
		wasTerminal := cur.Terminal()
		for _, sig := range ordered {
			if sig.CarrierCallID != "" && sig.CarrierCallID != cur.CarrierCallID {
				r.log.Debug("signal for replaced call dropped",
					"conversation_id", conversationID,
					"call_sid", cur.CarrierCallID,
					"signal_call_sid", sig.CarrierCallID,
					"kind", sig.Kind,
				)
				continue
			}
			next, ok := Transition(*cur, sig)
			if !ok {
				r.log.Debug("signal ignored",
					"conversation_id", conversationID,
					"state", cur.State,
					"kind", sig.Kind,
					"source", sig.Source,
					"carrier_status", sig.Status,
				)
				continue
			}
			r.log.Info("call state updated",
				"conversation_id", conversationID,
				"call_sid", cur.CarrierCallID,
				"from", cur.State,
				"to", next.State,
				"kind", sig.Kind,
				"source", sig.Source,
				"carrier_status", next.CarrierStatus,
			)
			*cur = next
			changed = true
		}
		if !changed {
			return nil
		}
		now := r.clk.Now().UTC()
		cur.LastUpdatedAt = now
		if !wasTerminal && cur.Terminal() {
			cur.EndedAt = &now
			terminated = true
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if terminated {
		r.finish(ctx, rec)
	}
	return Result{Record: rec, Changed: changed, Terminated: terminated}, nil
}

// ApplyCarrierStatus routes a carrier push to the record that owns carrierCallID.
func (r *Reconciler) ApplyCarrierStatus(ctx context.Context, carrierCallID string, status calls.CarrierStatus, detail string) error {
	rec, err := r.store.GetByCarrierCallID(carrierCallID)
	if err != nil {
		return err
	}
	_, err = r.Apply(ctx, rec.ConversationID, CarrierStatus(status, detail, SourceWebhook).For(carrierCallID))
	return err
}

// finish runs exactly once per call, after the record became terminal.
func (r *Reconciler) finish(ctx context.Context, rec calls.CallRecord) {
	if r.poller != nil {
		r.poller.StopIf(rec.ConversationID, rec.CarrierCallID)
	}

	if r.pub != nil {
		ev := calls.LifecycleEvent{
			ID:             uuid.NewString(),
			ConversationID: rec.ConversationID,
			CarrierCallID:  rec.CarrierCallID,
			CalleeAddress:  rec.CalleeAddress,
			FinalState:     rec.State,
			CarrierStatus:  rec.CarrierStatus,
			Reason:         rec.Reason,
			Connected:      rec.Connected,
			StartedAt:      rec.CreatedAt,
		}
		if rec.EndedAt != nil {
			ev.EndedAt = *rec.EndedAt
		}
		r.pub.Publish(ctx, ev)
	}

	r.scheduleRemoval(rec.ConversationID, rec.CarrierCallID)
}

func (r *Reconciler) scheduleRemoval(conversationID, carrierCallID string) {
	key := conversationID + "|" + carrierCallID
	remove := func() {
		r.mu.Lock()
		delete(r.removals, key)
		r.mu.Unlock()
		if r.store.RemoveIf(conversationID, carrierCallID) {
			r.log.Debug("call record removed", "conversation_id", conversationID, "call_sid", carrierCallID)
		}
	}
	if r.grace == 0 {
		remove()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.removals[key]; ok {
		return
	}
	r.removals[key] = r.clk.AfterFunc(r.grace, remove)
}

// PendingRemovals reports terminal records still inside their grace period.
func (r *Reconciler) PendingRemovals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removals)
}

// Close cancels pending removals. Records stay in the store.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.removals {
		t.Stop()
		delete(r.removals, k)
	}
}
