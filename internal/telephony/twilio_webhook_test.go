package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"callbridge/internal/calls"

	"github.com/gin-gonic/gin"
)

func TestParseTwilioStatusCallback(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&CallStatus=no_answer&ErrorCode=31480&ErrorMessage=Temporarily+Unavailable&SequenceNumber=3&Timestamp=Mon%2C+16+Aug+2026+03%3A45%3A01+%2B0000")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	cb, err := ParseTwilioStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cb.CallSid != "CA123" || cb.Status != calls.CarrierStatusNoAnswer {
		t.Fatalf("unexpected callback %+v", cb)
	}
	if cb.SequenceNumber != 3 || cb.Timestamp.IsZero() {
		t.Fatalf("expected sequence and timestamp, got %+v", cb)
	}
	if cb.Detail() != "carrier error 31480: Temporarily Unavailable" {
		t.Fatalf("unexpected detail %q", cb.Detail())
	}
}

func TestParseTwilioStatusCallbackRejectsUnknownStatus(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader("CallSid=CA123&CallStatus=exploded"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if _, err := ParseTwilioStatusCallback(r); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got %v", err)
	}
}

type recordingSink struct {
	known  map[string]bool
	got    []calls.CarrierStatus
	detail []string
}

func (s *recordingSink) ApplyCarrierStatus(_ context.Context, callID string, st calls.CarrierStatus, detail string) error {
	if !s.known[callID] {
		return calls.ErrNotFound
	}
	s.got = append(s.got, st)
	s.detail = append(s.detail, detail)
	return nil
}

func postForm(h gin.HandlerFunc, form url.Values, sig string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/status", h)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set("X-Twilio-Signature", sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStatusWebhookForwardsToSink(t *testing.T) {
	sink := &recordingSink{known: map[string]bool{"CA123": true}}
	h := StatusWebhookHandler{Sink: sink}

	w := postForm(h.HandleStatus, url.Values{"CallSid": {"CA123"}, "CallStatus": {"ringing"}}, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(sink.got) != 1 || sink.got[0] != calls.CarrierStatusRinging {
		t.Fatalf("unexpected sink input %v", sink.got)
	}
}

func TestStatusWebhookAcknowledgesUnknownCall(t *testing.T) {
	sink := &recordingSink{known: map[string]bool{}}
	h := StatusWebhookHandler{Sink: sink}

	w := postForm(h.HandleStatus, url.Values{"CallSid": {"CA999"}, "CallStatus": {"completed"}}, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for unknown call, got %d", w.Code)
	}
}

func TestStatusWebhookBadRequest(t *testing.T) {
	h := StatusWebhookHandler{Sink: &recordingSink{}}

	w := postForm(h.HandleStatus, url.Values{"CallStatus": {"completed"}}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestStatusWebhookValidatesSignature(t *testing.T) {
	sink := &recordingSink{known: map[string]bool{"CA123": true}}
	h := StatusWebhookHandler{
		Sink:          sink,
		Validator:     NewSignatureValidator("secret-token"),
		PublicBaseURL: "https://calls.example.com/",
	}
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"in-progress"}}

	if w := postForm(h.HandleStatus, form, "bogus"); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", w.Code)
	}
	if w := postForm(h.HandleStatus, form, ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing signature, got %d", w.Code)
	}

	sig := twilioSignature("secret-token", "https://calls.example.com/webhooks/twilio/status", form)
	if w := postForm(h.HandleStatus, form, sig); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for valid signature, got %d", w.Code)
	}
	if len(sink.got) != 1 {
		t.Fatalf("expected one forwarded status, got %d", len(sink.got))
	}
}
