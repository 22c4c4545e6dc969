package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"callbridge/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// Entries are never updated or deleted.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Callers treat audit logging as best-effort.
type Service struct {
	repo Repository
	Now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, Now: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.ConversationID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.Now().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogCallRequested records an operator placing a call.
func (s *Service) LogCallRequested(ctx context.Context, actor Actor, conversationID, carrierCallID, destination string) error {
	return s.Append(ctx, Event{
		Type:           EventTypeCallRequested,
		ConversationID: conversationID,
		CarrierCallID:  carrierCallID,
		ActorUserID:    actor.UserID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		Message:        "call requested to " + destination,
	})
}

// LogEndRequested records an operator ending a call.
func (s *Service) LogEndRequested(ctx context.Context, actor Actor, conversationID, carrierCallID string) error {
	return s.Append(ctx, Event{
		Type:           EventTypeCallEndRequested,
		ConversationID: conversationID,
		CarrierCallID:  carrierCallID,
		ActorUserID:    actor.UserID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		Message:        "call end requested",
	})
}

// RecordLifecycle stores a terminal lifecycle event. It has the notify.Subscriber signature.
func (s *Service) RecordLifecycle(ctx context.Context, ev calls.LifecycleEvent) {
	meta, _ := json.Marshal(ev)
	err := s.Append(ctx, Event{
		Type:           EventTypeCallLifecycle,
		ConversationID: ev.ConversationID,
		CarrierCallID:  ev.CarrierCallID,
		Message:        "call " + string(ev.FinalState),
		Metadata:       string(meta),
	})
	if err != nil {
		slog.Default().Warn("audit lifecycle append failed", "err", err, "conversation_id", ev.ConversationID)
	}
}
