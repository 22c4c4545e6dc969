package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"callbridge/internal/calls"

	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallService is the subset of the twilio-go v2010 API used by TwilioCarrier.
// *twilioapi.ApiService satisfies it; tests substitute a fake.
type CallService interface {
	CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error)
	FetchCall(sid string, params *twilioapi.FetchCallParams) (*twilioapi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioapi.UpdateCallParams) (*twilioapi.ApiV2010Call, error)
}

// TwilioOptions configures the Twilio carrier adapter.
type TwilioOptions struct {
	FromNumber string

	// StatusCallbackURL receives call progress webhooks.
	StatusCallbackURL string

	// SIPHost is the media-session SIP ingress host used to bridge the callee.
	SIPHost string

	DefaultRegion string

	// Timeout bounds each carrier request.
	Timeout time.Duration
	// RetryBackoff is the pause before the single placement retry.
	RetryBackoff time.Duration

	// RingTimeout is how long the carrier rings the callee, in seconds.
	RingTimeout int

	Voice string

	Logger *slog.Logger
}

func (o TwilioOptions) withDefaults() TwilioOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	if out.RetryBackoff < 0 {
		out.RetryBackoff = 0
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = 45
	}
	if out.DefaultRegion == "" {
		out.DefaultRegion = "US"
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// TwilioCarrier places and controls calls through the Twilio REST API.
type TwilioCarrier struct {
	api  CallService
	opts TwilioOptions
}

// NewTwilioRestCarrier builds a carrier backed by the real Twilio REST client.
func NewTwilioRestCarrier(accountSID, authToken string, opts TwilioOptions) (*TwilioCarrier, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("telephony: twilio credentials required")
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return NewTwilioCarrier(rc.Api, opts)
}

func NewTwilioCarrier(api CallService, opts TwilioOptions) (*TwilioCarrier, error) {
	if api == nil {
		return nil, errors.New("telephony: twilio api is nil")
	}
	if strings.TrimSpace(opts.FromNumber) == "" {
		return nil, errors.New("telephony: twilio from number required")
	}
	return &TwilioCarrier{api: api, opts: opts.withDefaults()}, nil
}

func (p *TwilioCarrier) Name() string { return "twilio" }

func (p *TwilioCarrier) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	to, err := NormalizeE164(req.Destination, p.opts.DefaultRegion)
	if err != nil {
		return PlaceCallResult{}, err
	}

	twiml, err := RenderOutboundTwiML(OutboundTwiML{
		Announcement: req.Announcement,
		Voice:        p.opts.Voice,
		BridgeURI:    BridgeURI(req.ConversationID, p.opts.SIPHost),
		HoldSeconds:  60,
	})
	if err != nil {
		return PlaceCallResult{}, err
	}

	params := &twilioapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(p.opts.FromNumber)
	params.SetTwiml(twiml)
	params.SetTimeout(p.opts.RingTimeout)
	if p.opts.StatusCallbackURL != "" {
		params.SetStatusCallback(p.opts.StatusCallbackURL)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	log := p.opts.Logger.With("conversation_id", req.ConversationID, "to", to)

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			log.Warn("retrying call placement", "attempt", attempt, "err", lastErr)
			if err := sleepCtx(ctx, p.opts.RetryBackoff); err != nil {
				break
			}
		}

		call, err := p.createCall(ctx, params, log)
		if err == nil {
			if call == nil || call.Sid == nil || *call.Sid == "" {
				lastErr = errors.New("twilio returned no call sid")
				continue
			}
			status := calls.CarrierStatusQueued
			if call.Status != nil {
				if st, ok := calls.ParseCarrierStatus(*call.Status); ok {
					status = st
				}
			}
			return PlaceCallResult{CarrierCallID: *call.Sid, Status: status, Destination: to}, nil
		}

		lastErr = err
		if !isTransient(err) {
			log.Error("call placement rejected", "err", err)
			if isInvalidNumber(err) {
				return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
			}
			return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
		}
	}
	return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrCarrierUnavailable, lastErr)
}

type createResult struct {
	call *twilioapi.ApiV2010Call
	err  error
}

// createCall is withTimeout for CreateCall. A call Twilio creates after the
// deadline is hung up once its sid arrives, so it never rings untracked.
func (p *TwilioCarrier) createCall(ctx context.Context, params *twilioapi.CreateCallParams, log *slog.Logger) (*twilioapi.ApiV2010Call, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	done := make(chan createResult, 1)
	go func() {
		call, err := p.api.CreateCall(params)
		done <- createResult{call: call, err: err}
	}()

	select {
	case r := <-done:
		return r.call, r.err
	case <-ctx.Done():
		go p.hangUpLate(done, log)
		return nil, ctx.Err()
	}
}

func (p *TwilioCarrier) hangUpLate(done <-chan createResult, log *slog.Logger) {
	r := <-done
	if r.err != nil || r.call == nil || r.call.Sid == nil || *r.call.Sid == "" {
		return
	}
	sid := *r.call.Sid
	log.Warn("call created after placement gave up, hanging up", "call_sid", sid)
	if err := p.EndCall(context.Background(), sid); err != nil && !IsBenign(err) {
		log.Error("late call hang-up failed", "call_sid", sid, "err", err)
	}
}

func (p *TwilioCarrier) FetchStatus(ctx context.Context, carrierCallID string) (calls.CarrierStatus, error) {
	if carrierCallID == "" {
		return "", ErrCallNotFound
	}
	call, err := withTimeout(ctx, p.opts.Timeout, func() (*twilioapi.ApiV2010Call, error) {
		return p.api.FetchCall(carrierCallID, &twilioapi.FetchCallParams{})
	})
	if err != nil {
		if isNotFound(err) {
			return "", ErrCallNotFound
		}
		return "", err
	}
	if call == nil || call.Status == nil {
		return "", errors.New("telephony: twilio returned no status")
	}
	st, ok := calls.ParseCarrierStatus(*call.Status)
	if !ok {
		return "", fmt.Errorf("telephony: unknown twilio status %q", *call.Status)
	}
	return st, nil
}

func (p *TwilioCarrier) EndCall(ctx context.Context, carrierCallID string) error {
	params := &twilioapi.UpdateCallParams{}
	params.SetStatus("completed")

	_, err := withTimeout(ctx, p.opts.Timeout, func() (*twilioapi.ApiV2010Call, error) {
		return p.api.UpdateCall(carrierCallID, params)
	})
	if err == nil {
		return nil
	}
	if isNotFound(err) || isNotInProgress(err) {
		return fmt.Errorf("%w: %v", ErrAlreadyEnded, err)
	}
	return err
}

// withTimeout runs a blocking SDK call and gives up when ctx or the timeout expires.
// The SDK call keeps running in the background and its result is discarded.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func restError(err error) (*twilioclient.TwilioRestError, bool) {
	var re *twilioclient.TwilioRestError
	if errors.As(err, &re) && re != nil {
		return re, true
	}
	return nil, false
}

// isTransient reports failures worth retrying: timeouts, transport errors, 5xx and 429.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	re, ok := restError(err)
	if !ok {
		return true
	}
	return re.Status >= 500 || re.Status == http.StatusTooManyRequests
}

func isNotFound(err error) bool {
	re, ok := restError(err)
	return ok && (re.Status == http.StatusNotFound || re.Code == 20404)
}

// Twilio rejects updates to calls that are no longer in progress with 21220.
func isNotInProgress(err error) bool {
	re, ok := restError(err)
	return ok && re.Code == 21220
}

// Twilio error codes for unusable "To" numbers.
func isInvalidNumber(err error) bool {
	re, ok := restError(err)
	if !ok {
		return false
	}
	switch re.Code {
	case 21211, 21214, 21215, 21217, 21401:
		return true
	}
	return false
}
