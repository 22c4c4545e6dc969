package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/clock"
	"callbridge/internal/reconcile"
	"callbridge/internal/telephony"
)

// Fetcher pulls a call's status from the carrier. telephony.Carrier satisfies it.
type Fetcher interface {
	FetchStatus(ctx context.Context, carrierCallID string) (calls.CarrierStatus, error)
}

// Sink receives poll results. *reconcile.Reconciler satisfies it.
type Sink interface {
	Apply(ctx context.Context, conversationID string, sig reconcile.Signal) (reconcile.Result, error)
}

// Policy controls poll cadence.
// The first FastCount polls run every FastInterval, later ones every
// SlowInterval. Once Ceiling has elapsed since Start the call is timed out.
type Policy struct {
	FastInterval time.Duration
	FastCount    int
	SlowInterval time.Duration
	Ceiling      time.Duration

	// FetchTimeout bounds a single carrier status request.
	FetchTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		FastInterval: 5 * time.Second,
		FastCount:    12,
		SlowInterval: 30 * time.Second,
		Ceiling:      15 * time.Minute,
		FetchTimeout: 15 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.FastInterval <= 0 {
		p.FastInterval = d.FastInterval
	}
	if p.FastCount < 0 {
		p.FastCount = 0
	}
	if p.SlowInterval <= 0 {
		p.SlowInterval = d.SlowInterval
	}
	if p.Ceiling <= 0 {
		p.Ceiling = d.Ceiling
	}
	if p.FetchTimeout <= 0 {
		p.FetchTimeout = d.FetchTimeout
	}
	return p
}

// Interval returns the wait before poll number n+1, given n polls done.
func (p Policy) Interval(done int) time.Duration {
	if done < p.FastCount {
		return p.FastInterval
	}
	return p.SlowInterval
}

type job struct {
	conversationID string
	carrierCallID  string
	startedAt      time.Time
	deadline       time.Time

	polls    int
	nextAt   time.Time
	interval time.Duration
	timer    clock.Timer
	stopped  bool
}

// JobInfo is a read-only view of a polling job.
type JobInfo struct {
	CarrierCallID string        `json:"carrier_call_id"`
	StartedAt     time.Time     `json:"started_at"`
	Polls         int           `json:"polls"`
	Interval      time.Duration `json:"interval"`
	NextPollAt    time.Time     `json:"next_poll_at"`
}

// Scheduler owns one cancellable timer per call. It never changes call state
// itself; results go to the Sink.
type Scheduler struct {
	fetch  Fetcher
	sink   Sink
	clk    clock.Clock
	policy Policy
	log    *slog.Logger

	// base is cancelled by StopAll so in-flight fetches return promptly.
	base   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

type Options struct {
	Policy Policy
	Clock  clock.Clock
	Logger *slog.Logger
}

func New(fetch Fetcher, sink Sink, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fetch:  fetch,
		sink:   sink,
		clk:    opts.Clock,
		policy: opts.Policy.withDefaults(),
		log:    opts.Logger,
		base:   base,
		cancel: cancel,
		jobs:   map[string]*job{},
	}
}

// Start begins polling carrierCallID for the conversation.
// It is a no-op returning false if the conversation already has a job.
func (s *Scheduler) Start(conversationID, carrierCallID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[conversationID]; ok {
		return false
	}
	if s.base.Err() != nil {
		return false
	}
	now := s.clk.Now()
	j := &job{
		conversationID: conversationID,
		carrierCallID:  carrierCallID,
		startedAt:      now,
		deadline:       now.Add(s.policy.Ceiling),
	}
	s.jobs[conversationID] = j
	s.scheduleLocked(j, now)

	s.log.Debug("polling started", "conversation_id", conversationID, "call_sid", carrierCallID)
	return true
}

// StopIf cancels the conversation's job only if it polls carrierCallID, so a
// late stop for a finished call leaves a replacement call's job running.
// Safe to call any number of times.
func (s *Scheduler) StopIf(conversationID, carrierCallID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[conversationID]
	if !ok || j.carrierCallID != carrierCallID {
		return false
	}
	s.stopLocked(j)
	s.log.Debug("polling stopped", "conversation_id", conversationID, "call_sid", carrierCallID, "polls", j.polls)
	return true
}

// StopAll cancels every job and any in-flight fetch. Start is refused afterwards.
func (s *Scheduler) StopAll() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		s.stopLocked(j)
	}
}

func (s *Scheduler) Active(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[conversationID]
	return ok
}

// Polls returns how many polls the conversation's current job has issued.
func (s *Scheduler) Polls(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[conversationID]; ok {
		return j.polls
	}
	return 0
}

func (s *Scheduler) Info(conversationID string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[conversationID]
	if !ok {
		return JobInfo{}, false
	}
	return JobInfo{
		CarrierCallID: j.carrierCallID,
		StartedAt:     j.startedAt,
		Polls:         j.polls,
		Interval:      j.interval,
		NextPollAt:    j.nextAt,
	}, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) stopLocked(j *job) {
	j.stopped = true
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	if cur, ok := s.jobs[j.conversationID]; ok && cur == j {
		delete(s.jobs, j.conversationID)
	}
}

// scheduleLocked arms the next poll, never past the job's deadline.
func (s *Scheduler) scheduleLocked(j *job, now time.Time) {
	wait := s.policy.Interval(j.polls)
	if remaining := j.deadline.Sub(now); wait > remaining {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}
	j.interval = wait
	j.nextAt = now.Add(wait)
	j.timer = s.clk.AfterFunc(wait, func() { s.tick(j) })
}

func (s *Scheduler) tick(j *job) {
	s.mu.Lock()
	if j.stopped {
		s.mu.Unlock()
		return
	}
	j.timer = nil
	now := s.clk.Now()
	timedOut := !now.Before(j.deadline)
	if timedOut {
		s.stopLocked(j)
	}
	s.mu.Unlock()

	log := s.log.With("conversation_id", j.conversationID, "call_sid", j.carrierCallID)

	if timedOut {
		log.Warn("polling ceiling reached", "polls", j.polls, "elapsed", now.Sub(j.startedAt).String())
		s.deliver(log, j, reconcile.PollingTimeout().For(j.carrierCallID))
		return
	}

	ctx, cancel := context.WithTimeout(s.base, s.policy.FetchTimeout)
	st, err := s.fetch.FetchStatus(ctx, j.carrierCallID)
	cancel()

	s.mu.Lock()
	j.polls++
	stopped := j.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	switch {
	case errors.Is(err, telephony.ErrCallNotFound):
		log.Info("carrier no longer knows call")
		s.deliver(log, j, reconcile.CarrierGone(reconcile.SourcePoll).For(j.carrierCallID))
	case err != nil:
		log.Warn("status poll failed", "err", err, "poll", j.polls)
	default:
		s.deliver(log, j, reconcile.CarrierStatus(st, "", reconcile.SourcePoll).For(j.carrierCallID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !j.stopped {
		s.scheduleLocked(j, s.clk.Now())
	}
}

func (s *Scheduler) deliver(log *slog.Logger, j *job, sig reconcile.Signal) {
	_, err := s.sink.Apply(s.base, j.conversationID, sig)
	if err == nil {
		return
	}
	if errors.Is(err, calls.ErrNotFound) {
		log.Debug("record gone, polling stopped")
		s.mu.Lock()
		s.stopLocked(j)
		s.mu.Unlock()
		return
	}
	log.Error("poll result rejected", "err", err)
}
