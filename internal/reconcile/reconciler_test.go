package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/clock"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []calls.LifecycleEvent
}

func (p *capturePublisher) Publish(_ context.Context, ev calls.LifecycleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) Events() []calls.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]calls.LifecycleEvent(nil), p.events...)
}

type countingStopper struct {
	mu    sync.Mutex
	stops map[string]int
}

func (s *countingStopper) StopIf(conversationID, carrierCallID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stops == nil {
		s.stops = map[string]int{}
	}
	s.stops[conversationID+"|"+carrierCallID]++
	return true
}

func (s *countingStopper) count(conversationID, carrierCallID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops[conversationID+"|"+carrierCallID]
}

type fixture struct {
	store *calls.Store
	clk   *clock.Manual
	pub   *capturePublisher
	stop  *countingStopper
	r     *Reconciler
}

func newFixture(t *testing.T, grace time.Duration) fixture {
	t.Helper()
	f := fixture{
		store: calls.NewStore(),
		clk:   clock.NewManual(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)),
		pub:   &capturePublisher{},
		stop:  &countingStopper{},
	}
	f.r = New(f.store, f.pub, Options{Clock: f.clk, RemovalGrace: grace})
	f.r.UsePoller(f.stop)

	if err := f.store.Create(calls.CallRecord{
		ConversationID: "room-1",
		CarrierCallID:  "CA123",
		CalleeAddress:  "+15551234567",
		State:          calls.StateRequested,
		CreatedAt:      f.clk.Now(),
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return f
}

func TestReconcilerEmitsLifecycleEventOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Second)

	if _, err := f.r.Apply(ctx, "room-1", CarrierStatus(calls.CarrierStatusRinging, "", SourcePoll)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	res, err := f.r.Apply(ctx, "room-1", CarrierStatus(calls.CarrierStatusBusy, "", SourceWebhook))
	if err != nil || !res.Terminated || res.Record.State != calls.StateFailed {
		t.Fatalf("expected termination into failed, got %+v %v", res, err)
	}
	if res.Record.EndedAt == nil {
		t.Fatalf("expected EndedAt")
	}

	// Late inputs after termination are no-ops.
	for _, sig := range []Signal{
		CarrierStatus(calls.CarrierStatusInProgress, "", SourcePoll),
		Presence("CA123", true),
		CarrierGone(SourcePoll),
		OperatorEnd(),
	} {
		res, err := f.r.Apply(ctx, "room-1", sig)
		if err != nil || res.Changed || res.Terminated {
			t.Fatalf("expected no-op, got %+v %v", res, err)
		}
	}

	evs := f.pub.Events()
	if len(evs) != 1 {
		t.Fatalf("expected exactly one lifecycle event, got %d", len(evs))
	}
	if evs[0].FinalState != calls.StateFailed || evs[0].CarrierStatus != calls.CarrierStatusBusy || evs[0].ConversationID != "room-1" {
		t.Fatalf("unexpected event %+v", evs[0])
	}
	if f.stop.count("room-1", "CA123") != 1 {
		t.Fatalf("expected poller stopped once, got %d", f.stop.count("room-1", "CA123"))
	}
}

func TestReconcilerRemovesRecordAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Second)

	if _, err := f.r.Apply(ctx, "room-1", CarrierGone(SourcePoll)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := f.store.Get("room-1"); err != nil {
		t.Fatalf("expected record readable during grace, got %v", err)
	}
	if f.r.PendingRemovals() != 1 {
		t.Fatalf("expected pending removal")
	}

	f.clk.Advance(30 * time.Second)
	if _, err := f.store.Get("room-1"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
	if f.r.PendingRemovals() != 0 {
		t.Fatalf("expected no pending removals")
	}
}

func TestReconcilerRemovalSparesReplacementRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30*time.Second)

	if _, err := f.r.Apply(ctx, "room-1", OperatorEnd()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := f.store.Create(calls.CallRecord{ConversationID: "room-1", CarrierCallID: "CA456", State: calls.StateRequested}); err != nil {
		t.Fatalf("expected terminal record to be replaceable, got %v", err)
	}

	f.clk.Advance(time.Minute)
	got, err := f.store.Get("room-1")
	if err != nil || got.CarrierCallID != "CA456" {
		t.Fatalf("expected replacement to survive, got %+v %v", got, err)
	}

	// A late poll for the old call must not touch the new one.
	res, err := f.r.Apply(ctx, "room-1", CarrierStatus(calls.CarrierStatusCompleted, "", SourcePoll).For("CA123"))
	if err != nil || res.Changed {
		t.Fatalf("expected stale call signal dropped, got %+v %v", res, err)
	}
}

func TestApplyBatchMostTerminalWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	res, err := f.r.ApplyBatch(ctx, "room-1",
		CarrierStatus(calls.CarrierStatusRinging, "", SourcePoll),
		CarrierStatus(calls.CarrierStatusCompleted, "", SourceWebhook),
	)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Record.State != calls.StateEnded || !res.Terminated {
		t.Fatalf("expected ended, got %+v", res.Record)
	}
	if res.Record.CarrierStatus != calls.CarrierStatusCompleted {
		t.Fatalf("stale ringing must not overwrite carrier status, got %s", res.Record.CarrierStatus)
	}
	if len(f.pub.Events()) != 1 {
		t.Fatalf("expected one event")
	}
}

func TestApplyBatchSkipsSignalForReplacedCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	res, err := f.r.ApplyBatch(ctx, "room-1",
		CarrierStatus(calls.CarrierStatusCompleted, "", SourceWebhook).For("CA999"),
		CarrierStatus(calls.CarrierStatusAnswered, "", SourcePoll).For("CA123"),
	)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.Changed || res.Terminated {
		t.Fatalf("expected the current call's signal alone to apply, got %+v", res)
	}
	if res.Record.State != calls.StateConnected || res.Record.CarrierCallID != "CA123" {
		t.Fatalf("expected connected CA123, got %+v", res.Record)
	}
	if len(f.pub.Events()) != 0 {
		t.Fatalf("expected no lifecycle event, got %d", len(f.pub.Events()))
	}
}

func TestApplyCarrierStatusByCallID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	if err := f.r.ApplyCarrierStatus(ctx, "CA123", calls.CarrierStatusAnswered, ""); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got, _ := f.store.Get("room-1")
	if got.State != calls.StateConnected || !got.Connected {
		t.Fatalf("expected connected, got %+v", got)
	}
	if err := f.r.ApplyCarrierStatus(ctx, "CA999", calls.CarrierStatusCompleted, ""); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.r.Apply(ctx, "nope", OperatorEnd()); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentInputsEmitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = f.r.Apply(ctx, "room-1", CarrierStatus(calls.CarrierStatusRinging, "", SourcePoll))
		}()
		go func() {
			defer wg.Done()
			_ = f.r.ApplyCarrierStatus(ctx, "CA123", calls.CarrierStatusCompleted, "")
		}()
		go func() {
			defer wg.Done()
			_, _ = f.r.Apply(ctx, "room-1", OperatorEnd())
		}()
	}
	wg.Wait()

	if n := len(f.pub.Events()); n != 1 {
		t.Fatalf("expected exactly one lifecycle event, got %d", n)
	}
	got, _ := f.store.Get("room-1")
	if got.State != calls.StateEnded {
		t.Fatalf("expected ended, got %s", got.State)
	}
}
