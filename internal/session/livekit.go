package session

import (
	"net/http"
	"strings"
	"time"

	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
)

const (
	eventParticipantJoined = "participant_joined"
	eventParticipantLeft   = "participant_left"
)

// NewKeyProvider returns the key provider used to verify LiveKit webhooks.
func NewKeyProvider(apiKey, apiSecret string) auth.KeyProvider {
	return auth.NewSimpleKeyProvider(apiKey, apiSecret)
}

// WebhookHandler turns signed LiveKit webhooks into presence events.
// The room name is the conversation id.
type WebhookHandler struct {
	Bridge *Bridge
	Keys   auth.KeyProvider
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Bridge == nil || h.Keys == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session bridge not configured"})
		return
	}

	ev, err := webhook.ReceiveWebhookEvent(c.Request, h.Keys)
	if err != nil {
		log.Warn("livekit webhook rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook"})
		return
	}

	presence, ok := PresenceFromWebhook(ev)
	if !ok {
		log.Debug("livekit event ignored", "event", ev.GetEvent())
		c.Status(http.StatusOK)
		return
	}

	if _, err := h.Bridge.HandlePresence(c.Request.Context(), presence); err != nil {
		log.Error("presence handling failed", "err", err, "conversation_id", presence.ConversationID)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence failed"})
		return
	}
	c.Status(http.StatusOK)
}

// PresenceFromWebhook maps participant join/leave events. Other events return false.
func PresenceFromWebhook(ev *livekit.WebhookEvent) (PresenceEvent, bool) {
	var joined bool
	switch ev.GetEvent() {
	case eventParticipantJoined:
		joined = true
	case eventParticipantLeft:
		joined = false
	default:
		return PresenceEvent{}, false
	}

	room := ev.GetRoom().GetName()
	p := ev.GetParticipant()
	if room == "" || p == nil {
		return PresenceEvent{}, false
	}

	kind := strings.ToLower(p.GetKind().String())
	if p.GetKind() == livekit.ParticipantInfo_SIP {
		kind = KindSIP
	}

	at := time.Now().UTC()
	if ts := ev.GetCreatedAt(); ts > 0 {
		at = time.Unix(ts, 0).UTC()
	}

	return PresenceEvent{
		ConversationID: room,
		Participant: Participant{
			Identity:   p.GetIdentity(),
			Name:       p.GetName(),
			Kind:       kind,
			Attributes: p.GetAttributes(),
		},
		Joined: joined,
		At:     at,
	}, true
}
