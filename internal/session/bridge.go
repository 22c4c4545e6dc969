package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/reconcile"
)

// PresenceEvent is a participant join or leave in the media session named by ConversationID.
type PresenceEvent struct {
	ConversationID string
	Participant    Participant
	Joined         bool
	At             time.Time
}

type RecordReader interface {
	Get(conversationID string) (calls.CallRecord, error)
}

// Sink receives presence signals. *reconcile.Reconciler satisfies it.
type Sink interface {
	Apply(ctx context.Context, conversationID string, sig reconcile.Signal) (reconcile.Result, error)
}

// Bridge filters media-layer presence down to the called party and forwards
// it to the reconciler. It never writes call state.
type Bridge struct {
	records  RecordReader
	sink     Sink
	classify Classifier
	log      *slog.Logger
}

func NewBridge(records RecordReader, sink Sink, classify Classifier, log *slog.Logger) *Bridge {
	if classify == nil {
		classify = DefaultClassifier
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{records: records, sink: sink, classify: classify, log: log}
}

// HandlePresence forwards ev if it concerns the callee of an active call.
// It reports whether the event was forwarded.
func (b *Bridge) HandlePresence(ctx context.Context, ev PresenceEvent) (bool, error) {
	log := b.log.With(
		"conversation_id", ev.ConversationID,
		"participant", ev.Participant.Identity,
		"joined", ev.Joined,
	)

	rec, err := b.records.Get(ev.ConversationID)
	if errors.Is(err, calls.ErrNotFound) {
		log.Debug("presence for conversation without call")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !b.classify(ev.Participant, rec) {
		log.Debug("participant not classified as callee")
		return false, nil
	}

	sig := reconcile.Presence(ev.Participant.Identity, ev.Joined).For(rec.CarrierCallID)
	res, err := b.sink.Apply(ctx, ev.ConversationID, sig)
	if errors.Is(err, calls.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if res.Changed {
		log.Info("callee presence applied", "state", res.Record.State)
	}
	return true, nil
}
