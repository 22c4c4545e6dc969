package telephony

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"callbridge/internal/calls"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
	twilioclient "github.com/twilio/twilio-go/client"
)

// StatusSink receives carrier status pushes. The reconciler implements it.
// It returns calls.ErrNotFound when no record owns the carrier call id.
type StatusSink interface {
	ApplyCarrierStatus(ctx context.Context, carrierCallID string, status calls.CarrierStatus, detail string) error
}

// SignatureValidator checks the X-Twilio-Signature header.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// NewSignatureValidator returns the twilio-go request validator for authToken.
func NewSignatureValidator(authToken string) SignatureValidator {
	v := twilioclient.NewRequestValidator(authToken)
	return &v
}

// StatusWebhookHandler converts Twilio status callbacks into reconciler input.
//
// The push is one more input, not an authority: the handler never decides state.
type StatusWebhookHandler struct {
	Sink StatusSink

	// Validator is optional; when nil signatures are not checked.
	Validator SignatureValidator

	// PublicBaseURL is the externally visible origin Twilio signed against.
	PublicBaseURL string
}

func (h StatusWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status sink not configured"})
		return
	}

	cb, err := ParseTwilioStatusCallback(c.Request)
	if h.Validator != nil && !h.signatureOK(c.Request) {
		log.Warn("twilio signature rejected", "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}
	if err != nil {
		log.Warn("twilio status callback parse failed", "err", err, "call_sid", cb.CallSid)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid callback"})
		return
	}

	log = log.With("call_sid", cb.CallSid, "carrier_status", cb.Status, "sequence", cb.SequenceNumber)

	err = h.Sink.ApplyCarrierStatus(c.Request.Context(), cb.CallSid, cb.Status, cb.Detail())
	switch {
	case err == nil:
		log.Debug("twilio status applied")
	case errors.Is(err, calls.ErrNotFound):
		// Late callbacks for removed calls are expected; Twilio must not retry them.
		log.Info("twilio status for unknown call")
	default:
		log.Error("twilio status apply failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "apply failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h StatusWebhookHandler) signatureOK(r *http.Request) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	url := strings.TrimRight(h.PublicBaseURL, "/") + r.URL.RequestURI()
	return h.Validator.Validate(url, formParams(r), sig)
}
