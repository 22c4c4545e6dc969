package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - conversation_id is required; every audited action concerns one call.
// - actor and ip capture are best-effort; do not block call control on audit failures.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	ConversationID string `json:"conversation_id"`
	CarrierCallID  string `json:"carrier_call_id,omitempty"`

	// ActorUserID is the authenticated operator causing the event (empty for system events).
	ActorUserID string `json:"actor_user_id,omitempty"`
	ActorRole   string `json:"actor_role,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeCallRequested    EventType = "call_requested"
	EventTypeCallEndRequested EventType = "call_ended_by_operator"
	EventTypeCallLifecycle    EventType = "call_lifecycle"
)

// Actor identifies who triggered an operator action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
