package telephony

import (
	"context"
	"errors"

	"callbridge/internal/calls"
)

// Carrier is the only contract the rest of the service uses to talk to the
// telephony carrier's call-control API.
//
// Rules:
// - No provider SDK calls outside carrier adapters.
// - Adapters never mutate call records; every state change goes through the reconciler.
// - Transport failures are converted to the typed errors below before they leave the adapter.
type Carrier interface {
	Name() string

	// PlaceCall dials the destination and returns the carrier call id and its immediate status.
	// Errors: ErrInvalidDestination, ErrCarrierUnavailable.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)

	// FetchStatus returns the carrier's current status for a call.
	// ErrCallNotFound means the carrier no longer knows the call; callers treat it as terminal.
	FetchStatus(ctx context.Context, carrierCallID string) (calls.CarrierStatus, error)

	// EndCall asks the carrier to hang up. Ending an already-ended call returns
	// ErrAlreadyEnded, which callers must treat as success (see IsBenign).
	EndCall(ctx context.Context, carrierCallID string) error
}

// PlaceCallRequest describes an outbound call.
type PlaceCallRequest struct {
	// ConversationID names the media session the callee is bridged into.
	ConversationID string `json:"conversation_id"`

	// Destination is the raw callee address; adapters normalize it to E.164.
	Destination string `json:"destination"`

	// Announcement is spoken to the callee before bridging.
	Announcement string `json:"announcement,omitempty"`
}

type PlaceCallResult struct {
	CarrierCallID string              `json:"carrier_call_id"`
	Status        calls.CarrierStatus `json:"status"`

	// Destination is the normalized E.164 address that was dialed.
	Destination string `json:"destination"`
}

var (
	ErrInvalidDestination = errors.New("telephony: invalid destination")
	ErrCarrierUnavailable = errors.New("telephony: carrier unavailable")
	ErrCallNotFound       = errors.New("telephony: call not found at carrier")
	ErrAlreadyEnded       = errors.New("telephony: call already ended")
)

// IsBenign reports errors from EndCall that must not block local state convergence.
func IsBenign(err error) bool {
	return err == nil || errors.Is(err, ErrAlreadyEnded) || errors.Is(err, ErrCallNotFound)
}
