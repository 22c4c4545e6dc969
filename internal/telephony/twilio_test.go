package telephony

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"callbridge/internal/calls"

	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCallService struct {
	mu sync.Mutex

	createErrs []error
	creates    []*twilioapi.CreateCallParams

	fetchStatus string
	fetchErr    error

	updateErr error
	updated   []string

	block chan struct{}
}

func strp(s string) *string { return &s }

func (f *fakeCallService) CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, params)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &twilioapi.ApiV2010Call{Sid: strp("CA123"), Status: strp("queued")}, nil
}

func (f *fakeCallService) FetchCall(sid string, _ *twilioapi.FetchCallParams) (*twilioapi.ApiV2010Call, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &twilioapi.ApiV2010Call{Sid: strp(sid), Status: strp(f.fetchStatus)}, nil
}

func (f *fakeCallService) UpdateCall(sid string, _ *twilioapi.UpdateCallParams) (*twilioapi.ApiV2010Call, error) {
	f.mu.Lock()
	f.updated = append(f.updated, sid)
	f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &twilioapi.ApiV2010Call{Sid: strp(sid), Status: strp("completed")}, nil
}

func newTestCarrier(t *testing.T, api CallService) *TwilioCarrier {
	t.Helper()
	c, err := NewTwilioCarrier(api, TwilioOptions{
		FromNumber:        "+15550000000",
		StatusCallbackURL: "https://calls.example.com/webhooks/twilio/status",
		SIPHost:           "sip.example.livekit.cloud",
		Timeout:           time.Second,
		RetryBackoff:      time.Millisecond,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return c
}

func TestTwilioPlaceCall(t *testing.T) {
	api := &fakeCallService{}
	c := newTestCarrier(t, api)

	res, err := c.PlaceCall(context.Background(), PlaceCallRequest{
		ConversationID: "room-1",
		Destination:    "(555) 123-4567",
		Announcement:   "Connecting you now",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.CarrierCallID != "CA123" || res.Status != calls.CarrierStatusQueued {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Destination != "+15551234567" {
		t.Fatalf("expected normalized destination, got %q", res.Destination)
	}

	p := api.creates[0]
	if p.To == nil || *p.To != "+15551234567" {
		t.Fatalf("unexpected to")
	}
	if p.Twiml == nil || !strings.Contains(*p.Twiml, "sip:room-1@sip.example.livekit.cloud") {
		t.Fatalf("expected sip bridge in twiml")
	}
	if p.StatusCallback == nil || *p.StatusCallback != "https://calls.example.com/webhooks/twilio/status" {
		t.Fatalf("expected status callback")
	}
}

func TestTwilioPlaceCallInvalidDestinationSkipsNetwork(t *testing.T) {
	api := &fakeCallService{}
	c := newTestCarrier(t, api)

	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{ConversationID: "room-1", Destination: "nope"})
	if !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}
	if len(api.creates) != 0 {
		t.Fatalf("expected no carrier request")
	}
}

func TestTwilioPlaceCallRetriesOnceOnServerError(t *testing.T) {
	api := &fakeCallService{createErrs: []error{&twilioclient.TwilioRestError{Status: 503, Message: "unavailable"}}}
	c := newTestCarrier(t, api)

	res, err := c.PlaceCall(context.Background(), PlaceCallRequest{ConversationID: "room-1", Destination: "+15551234567"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res.CarrierCallID != "CA123" || len(api.creates) != 2 {
		t.Fatalf("expected two attempts, got %d", len(api.creates))
	}
}

func TestTwilioPlaceCallGivesUpAfterSecondFailure(t *testing.T) {
	api := &fakeCallService{createErrs: []error{
		&twilioclient.TwilioRestError{Status: 500},
		&twilioclient.TwilioRestError{Status: 429},
	}}
	c := newTestCarrier(t, api)

	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{ConversationID: "room-1", Destination: "+15551234567"})
	if !errors.Is(err, ErrCarrierUnavailable) {
		t.Fatalf("expected ErrCarrierUnavailable, got %v", err)
	}
	if len(api.creates) != 2 {
		t.Fatalf("expected exactly two attempts, got %d", len(api.creates))
	}
}

func TestTwilioPlaceCallDoesNotRetryClientError(t *testing.T) {
	api := &fakeCallService{createErrs: []error{&twilioclient.TwilioRestError{Status: 400, Code: 21211}}}
	c := newTestCarrier(t, api)

	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{ConversationID: "room-1", Destination: "+15551234567"})
	if !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}
	if len(api.creates) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(api.creates))
	}
}

func TestTwilioPlaceCallTimesOut(t *testing.T) {
	block := make(chan struct{})
	api := &fakeCallService{block: block}
	c, err := NewTwilioCarrier(api, TwilioOptions{FromNumber: "+15550000000", Timeout: 10 * time.Millisecond, RetryBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	_, err = c.PlaceCall(context.Background(), PlaceCallRequest{ConversationID: "room-1", Destination: "+15551234567"})
	if !errors.Is(err, ErrCarrierUnavailable) {
		t.Fatalf("expected ErrCarrierUnavailable, got %v", err)
	}

	// Both attempts now complete at Twilio; each late call must be hung up.
	close(block)
	deadline := time.Now().Add(2 * time.Second)
	for {
		api.mu.Lock()
		updated := append([]string(nil), api.updated...)
		api.mu.Unlock()
		if len(updated) == 2 {
			if updated[0] != "CA123" || updated[1] != "CA123" {
				t.Fatalf("unexpected hang-ups %v", updated)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected late calls hung up, got %v", updated)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTwilioFetchStatus(t *testing.T) {
	api := &fakeCallService{fetchStatus: "in-progress"}
	c := newTestCarrier(t, api)

	st, err := c.FetchStatus(context.Background(), "CA123")
	if err != nil || st != calls.CarrierStatusInProgress {
		t.Fatalf("unexpected status %q %v", st, err)
	}

	api.fetchErr = &twilioclient.TwilioRestError{Status: 404, Code: 20404}
	if _, err := c.FetchStatus(context.Background(), "CA123"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}

	api.fetchErr = &twilioclient.TwilioRestError{Status: 502}
	if _, err := c.FetchStatus(context.Background(), "CA123"); err == nil || errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestTwilioEndCallIsIdempotent(t *testing.T) {
	api := &fakeCallService{}
	c := newTestCarrier(t, api)

	if err := c.EndCall(context.Background(), "CA123"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	api.updateErr = &twilioclient.TwilioRestError{Status: 400, Code: 21220}
	err := c.EndCall(context.Background(), "CA123")
	if !errors.Is(err, ErrAlreadyEnded) || !IsBenign(err) {
		t.Fatalf("expected benign ErrAlreadyEnded, got %v", err)
	}

	api.updateErr = &twilioclient.TwilioRestError{Status: 500}
	if err := c.EndCall(context.Background(), "CA123"); IsBenign(err) {
		t.Fatalf("expected hard error, got %v", err)
	}
}
