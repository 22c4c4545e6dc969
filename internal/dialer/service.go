package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/calls"
	"callbridge/internal/clock"
	"callbridge/internal/poller"
	"callbridge/internal/reconcile"
	"callbridge/internal/telephony"
)

var ErrConcurrencyLimit = errors.New("dialer: concurrency limit reached")

// Conversation ids end up inside the SIP bridge URI.
var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// Poller is the polling scheduler as seen by the operator service.
type Poller interface {
	Start(conversationID, carrierCallID string) bool
	StopIf(conversationID, carrierCallID string) bool
	Info(conversationID string) (poller.JobInfo, bool)
}

// Limiter caps concurrent outbound calls. utils.ConcurrencyCap satisfies it.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Options struct {
	Carrier    telephony.Carrier
	Store      *calls.Store
	Reconciler *reconcile.Reconciler
	Poller     Poller

	// Limiter and Audit are optional.
	Limiter Limiter
	Audit   *audit.Service

	Clock clock.Clock

	// PlaceTimeout bounds a placement including the adapter's retry.
	PlaceTimeout time.Duration
	// EndTimeout bounds a carrier hang-up request.
	EndTimeout time.Duration

	Logger *slog.Logger
}

// Service implements the operator commands: request, end and inspect calls.
type Service struct {
	carrier telephony.Carrier
	store   *calls.Store
	rec     *reconcile.Reconciler
	poller  Poller
	limiter Limiter
	audit   *audit.Service
	clk     clock.Clock
	log     *slog.Logger

	placeTimeout time.Duration
	endTimeout   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	slots    map[string]string
}

func NewService(opts Options) (*Service, error) {
	if opts.Carrier == nil || opts.Store == nil || opts.Reconciler == nil || opts.Poller == nil {
		return nil, errors.New("dialer: carrier, store, reconciler and poller are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.PlaceTimeout <= 0 {
		opts.PlaceTimeout = 35 * time.Second
	}
	if opts.EndTimeout <= 0 {
		opts.EndTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		carrier:      opts.Carrier,
		store:        opts.Store,
		rec:          opts.Reconciler,
		poller:       opts.Poller,
		limiter:      opts.Limiter,
		audit:        opts.Audit,
		clk:          opts.Clock,
		log:          opts.Logger,
		placeTimeout: opts.PlaceTimeout,
		endTimeout:   opts.EndTimeout,
		inflight:     map[string]struct{}{},
		slots:        map[string]string{},
	}, nil
}

type CallRequest struct {
	ConversationID string
	Destination    string
	Announcement   string
	Actor          audit.Actor
}

// Status is a call record plus its polling state.
type Status struct {
	calls.CallRecord
	Polling bool            `json:"polling"`
	Poll    *poller.JobInfo `json:"poll,omitempty"`
}

// RequestCall places an outbound call for a conversation and starts tracking it.
func (s *Service) RequestCall(ctx context.Context, req CallRequest) (calls.CallRecord, error) {
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		return calls.CallRecord{}, fmt.Errorf("%w: conversation_id required", calls.ErrInvalidArgument)
	}
	if !conversationIDPattern.MatchString(convID) {
		return calls.CallRecord{}, fmt.Errorf("%w: conversation_id may only contain letters, digits, '.', '_' and '-'", calls.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Destination) == "" {
		return calls.CallRecord{}, fmt.Errorf("%w: destination required", calls.ErrInvalidArgument)
	}
	log := s.log.With("conversation_id", convID)

	if s.store.HasActive(convID) {
		return calls.CallRecord{}, calls.ErrCallAlreadyActive
	}
	if !s.reserve(convID) {
		return calls.CallRecord{}, calls.ErrCallAlreadyActive
	}
	defer s.unreserve(convID)

	if s.limiter != nil {
		ok, err := s.limiter.Acquire(ctx)
		if err != nil {
			log.Error("concurrency cap unavailable", "err", err)
			return calls.CallRecord{}, fmt.Errorf("dialer: concurrency cap: %w", err)
		}
		if !ok {
			return calls.CallRecord{}, ErrConcurrencyLimit
		}
	}

	// Once the carrier is asked to dial, the call may exist whether or not the
	// caller is still waiting, so placement and tracking ignore its cancellation.
	ctx = context.WithoutCancel(ctx)
	placeCtx, cancel := context.WithTimeout(ctx, s.placeTimeout)
	res, err := s.carrier.PlaceCall(placeCtx, telephony.PlaceCallRequest{
		ConversationID: convID,
		Destination:    req.Destination,
		Announcement:   req.Announcement,
	})
	cancel()
	if err != nil {
		s.releaseLimiter(ctx)
		log.Warn("call placement failed", "err", err)
		return calls.CallRecord{}, err
	}
	log = log.With("call_sid", res.CarrierCallID)

	now := s.clk.Now().UTC()
	err = s.store.Create(calls.CallRecord{
		ConversationID: convID,
		CarrierCallID:  res.CarrierCallID,
		CalleeAddress:  res.Destination,
		State:          calls.StateRequested,
		CreatedAt:      now,
		LastUpdatedAt:  now,
	})
	if err != nil {
		// Lost a race with another request; do not leave an orphan call ringing.
		log.Warn("record create failed, hanging up placed call", "err", err)
		s.hangUp(ctx, res.CarrierCallID)
		s.releaseLimiter(ctx)
		return calls.CallRecord{}, err
	}
	if s.limiter != nil {
		s.mu.Lock()
		s.slots[convID] = res.CarrierCallID
		s.mu.Unlock()
	}

	out, err := s.rec.Apply(ctx, convID, reconcile.CarrierStatus(res.Status, "", reconcile.SourcePlacement).For(res.CarrierCallID))
	if err != nil {
		return calls.CallRecord{}, err
	}
	if !out.Record.Terminal() {
		s.poller.Start(convID, res.CarrierCallID)
		// A push may have terminated the call between Apply and Start.
		if cur, err := s.store.Get(convID); err != nil || cur.Terminal() || cur.CarrierCallID != res.CarrierCallID {
			s.poller.StopIf(convID, res.CarrierCallID)
		}
	}

	if s.audit != nil {
		if err := s.audit.LogCallRequested(ctx, req.Actor, convID, res.CarrierCallID, res.Destination); err != nil {
			log.Warn("audit append failed", "err", err)
		}
	}
	log.Info("call requested", "state", out.Record.State, "carrier_status", res.Status)

	rec, err := s.store.Get(convID)
	if err != nil {
		return out.Record, nil
	}
	return rec, nil
}

// EndCall hangs up the conversation's call. In order it (a) asks the carrier
// to terminate, (b) forces the record to Ended whatever the carrier said and
// (c) stops polling. It is safe on calls that already ended.
func (s *Service) EndCall(ctx context.Context, conversationID string, actor audit.Actor) (calls.CallRecord, error) {
	rec, err := s.store.Get(conversationID)
	if err != nil {
		return calls.CallRecord{}, err
	}
	log := s.log.With("conversation_id", conversationID, "call_sid", rec.CarrierCallID)

	if !rec.CarrierStatus.Final() {
		s.hangUp(ctx, rec.CarrierCallID)
	}

	out, err := s.rec.Apply(ctx, conversationID, reconcile.OperatorEnd().For(rec.CarrierCallID))
	if err != nil && !errors.Is(err, calls.ErrNotFound) {
		return calls.CallRecord{}, err
	}

	s.poller.StopIf(conversationID, rec.CarrierCallID)

	if s.audit != nil {
		if err := s.audit.LogEndRequested(ctx, actor, conversationID, rec.CarrierCallID); err != nil {
			log.Warn("audit append failed", "err", err)
		}
	}
	log.Info("call end requested", "state", out.Record.State, "changed", out.Changed)

	if err != nil {
		return rec, nil
	}
	return out.Record, nil
}

func (s *Service) GetStatus(conversationID string) (Status, error) {
	rec, err := s.store.Get(conversationID)
	if err != nil {
		return Status{}, err
	}
	st := Status{CallRecord: rec}
	if info, ok := s.poller.Info(conversationID); ok && info.CarrierCallID == rec.CarrierCallID {
		st.Polling = true
		st.Poll = &info
	}
	return st, nil
}

func (s *Service) ListActive() []calls.CallRecord {
	return s.store.ListActive()
}

// OnLifecycle hangs up calls that outlived the polling ceiling and releases
// the concurrency slot held by a finished call. It is a notify.Subscriber.
func (s *Service) OnLifecycle(ctx context.Context, ev calls.LifecycleEvent) {
	if ev.Reason == calls.ReasonPollingTimeout && ev.CarrierCallID != "" {
		s.log.Warn("polling ceiling reached, hanging up", "conversation_id", ev.ConversationID, "call_sid", ev.CarrierCallID)
		s.hangUp(context.WithoutCancel(ctx), ev.CarrierCallID)
	}
	if s.limiter == nil {
		return
	}
	s.mu.Lock()
	held, ok := s.slots[ev.ConversationID]
	if ok && held == ev.CarrierCallID {
		delete(s.slots, ev.ConversationID)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		s.releaseLimiter(ctx)
	}
}

func (s *Service) hangUp(ctx context.Context, carrierCallID string) {
	endCtx, cancel := context.WithTimeout(ctx, s.endTimeout)
	defer cancel()
	err := s.carrier.EndCall(endCtx, carrierCallID)
	switch {
	case err == nil:
	case telephony.IsBenign(err):
		s.log.Debug("carrier end was a no-op", "call_sid", carrierCallID, "err", err)
	default:
		s.log.Error("carrier end failed", "call_sid", carrierCallID, "err", err)
	}
}

func (s *Service) releaseLimiter(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Release(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("concurrency cap release failed", "err", err)
	}
}

func (s *Service) reserve(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[conversationID]; ok {
		return false
	}
	s.inflight[conversationID] = struct{}{}
	return true
}

func (s *Service) unreserve(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, conversationID)
}
