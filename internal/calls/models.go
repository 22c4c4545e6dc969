package calls

import (
	"errors"
	"time"
)

// CallRecord tracks one outbound call attempt for a conversation.
//
// Invariants:
// - At most one non-terminal record per ConversationID.
// - CarrierCallID is set at creation and never changes.
// - State only moves forward (see Rank); Ended and Failed are terminal.
// - Connected is only ever set while State is Ringing or Connected.
//
// Only the reconciler mutates State/Connected, through Store.Update.
type CallRecord struct {
	ConversationID string `json:"conversation_id"`
	CarrierCallID  string `json:"carrier_call_id"`
	CalleeAddress  string `json:"callee_address"`

	State     State `json:"state"`
	Connected bool  `json:"connected"`

	// ParticipantID is the media-session identity that confirmed presence, if any.
	ParticipantID string `json:"participant_id,omitempty"`

	// CarrierStatus is the last normalized status seen from the carrier.
	CarrierStatus CarrierStatus `json:"carrier_status,omitempty"`

	// Reason is a human-readable explanation for a terminal state.
	Reason string `json:"reason,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

type State string

const (
	StateRequested State = "requested"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// Rank orders states by how far along the lifecycle they are.
// Ended and Failed share the top rank.
func (s State) Rank() int {
	switch s {
	case StateRequested:
		return 1
	case StateRinging:
		return 2
	case StateConnected:
		return 3
	case StateEnded, StateFailed:
		return 4
	default:
		return 0
	}
}

func (r CallRecord) Terminal() bool { return r.State.Terminal() }

// Reasons used for terminal states that do not come from a carrier error code.
const (
	ReasonCompleted       = "completed"
	ReasonOperatorEnded   = "operator_ended"
	ReasonPollingTimeout  = "polling_timeout"
	ReasonCarrierNotFound = "carrier_not_found"
	ReasonParticipantLeft = "participant_left"
)

// LifecycleEvent is emitted exactly once per call when it reaches a terminal state.
type LifecycleEvent struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	CarrierCallID  string        `json:"carrier_call_id"`
	CalleeAddress  string        `json:"callee_address"`
	FinalState     State         `json:"final_state"`
	CarrierStatus  CarrierStatus `json:"carrier_status,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Connected      bool          `json:"connected"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
}

const EventTypeCallEnded = "call-ended"

var (
	ErrNotFound          = errors.New("calls: no call for conversation")
	ErrCallAlreadyActive = errors.New("calls: call already active for conversation")
	ErrInvalidArgument   = errors.New("calls: invalid argument")
)
