package telephony

import (
	"context"
	"strings"
	"sync"

	"callbridge/internal/calls"

	"github.com/google/uuid"
)

// SandboxOptions configures the in-memory carrier.
type SandboxOptions struct {
	DefaultRegion string

	// Progression is the status sequence every new call walks through, one
	// step per FetchStatus. Empty means calls stay queued until scripted.
	Progression []calls.CarrierStatus

	// NewID generates carrier call ids. Defaults to "CA" + 32 hex chars.
	NewID func() string
}

type sandboxCall struct {
	destination string
	status      calls.CarrierStatus
	script      []calls.CarrierStatus
	fetches     int
	gone        bool
}

// SandboxCarrier is an in-memory Carrier used for local runs and tests.
// Calls never leave the process; their status is driven by the script
// methods or by the configured progression.
type SandboxCarrier struct {
	opts SandboxOptions

	mu        sync.Mutex
	calls     map[string]*sandboxCall
	placeErrs []error
	fetchErrs []error
	endErr    error
	ends      []string
	placed    []PlaceCallRequest
}

func NewSandboxCarrier(opts SandboxOptions) *SandboxCarrier {
	if opts.NewID == nil {
		opts.NewID = func() string {
			return "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}
	return &SandboxCarrier{opts: opts, calls: map[string]*sandboxCall{}}
}

func (s *SandboxCarrier) Name() string { return "sandbox" }

func (s *SandboxCarrier) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	to, err := NormalizeE164(req.Destination, s.opts.DefaultRegion)
	if err != nil {
		return PlaceCallResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PlaceCallResult{}, ErrCarrierUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.placed = append(s.placed, req)
	if len(s.placeErrs) > 0 {
		err := s.placeErrs[0]
		s.placeErrs = s.placeErrs[1:]
		if err != nil {
			return PlaceCallResult{}, err
		}
	}

	id := s.opts.NewID()
	script := append([]calls.CarrierStatus(nil), s.opts.Progression...)
	s.calls[id] = &sandboxCall{destination: to, status: calls.CarrierStatusQueued, script: script}
	return PlaceCallResult{CarrierCallID: id, Status: calls.CarrierStatusQueued, Destination: to}, nil
}

func (s *SandboxCarrier) FetchStatus(ctx context.Context, carrierCallID string) (calls.CarrierStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[carrierCallID]
	if !ok || c.gone {
		return "", ErrCallNotFound
	}
	c.fetches++
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(c.script) > 0 && !c.status.Final() {
		c.status = c.script[0]
		c.script = c.script[1:]
	}
	return c.status, nil
}

func (s *SandboxCarrier) EndCall(ctx context.Context, carrierCallID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ends = append(s.ends, carrierCallID)
	if s.endErr != nil {
		return s.endErr
	}
	c, ok := s.calls[carrierCallID]
	if !ok || c.gone || c.status.Final() {
		return ErrAlreadyEnded
	}
	c.status = calls.CarrierStatusCompleted
	c.script = nil
	return nil
}

// SetStatus forces the carrier-side status of a call.
func (s *SandboxCarrier) SetStatus(carrierCallID string, st calls.CarrierStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[carrierCallID]; ok {
		c.status = st
		c.script = nil
	}
}

// Script queues statuses returned by subsequent FetchStatus calls.
func (s *SandboxCarrier) Script(carrierCallID string, statuses ...calls.CarrierStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[carrierCallID]; ok {
		c.script = append(c.script, statuses...)
	}
}

// Forget makes the carrier answer NotFound for the call from now on.
func (s *SandboxCarrier) Forget(carrierCallID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[carrierCallID]; ok {
		c.gone = true
	}
}

// FailPlacements makes the next PlaceCall attempts return errs in order.
func (s *SandboxCarrier) FailPlacements(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeErrs = append(s.placeErrs, errs...)
}

// FailFetches makes the next FetchStatus calls return errs in order.
func (s *SandboxCarrier) FailFetches(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErrs = append(s.fetchErrs, errs...)
}

// FailEnds makes every EndCall return err until reset with nil.
func (s *SandboxCarrier) FailEnds(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endErr = err
}

func (s *SandboxCarrier) Fetches(carrierCallID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[carrierCallID]; ok {
		return c.fetches
	}
	return 0
}

func (s *SandboxCarrier) Ends() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ends...)
}

func (s *SandboxCarrier) Placed() []PlaceCallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlaceCallRequest(nil), s.placed...)
}
