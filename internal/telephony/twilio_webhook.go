package telephony

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callbridge/internal/calls"
)

// TwilioStatusCallback captures the subset of status callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
//
// Parsing only; state decisions are made by the reconciler.
type TwilioStatusCallback struct {
	CallSid         string
	AccountSid      string
	CallStatus      string
	Status          calls.CarrierStatus
	ErrorCode       string
	ErrorMessage    string
	SipResponseCode string
	SequenceNumber  int
	CallDuration    int
	Timestamp       time.Time
}

var ErrMalformedCallback = errors.New("telephony: malformed status callback")

// ParseTwilioStatusCallback reads a status callback form. Unknown statuses are
// reported as ErrMalformedCallback so they never reach the state machine.
func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusCallback{}, err
	}
	f := TwilioStatusCallback{
		CallSid:         strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:      r.PostFormValue("AccountSid"),
		CallStatus:      r.PostFormValue("CallStatus"),
		ErrorCode:       strings.TrimSpace(r.PostFormValue("ErrorCode")),
		ErrorMessage:    strings.TrimSpace(r.PostFormValue("ErrorMessage")),
		SipResponseCode: strings.TrimSpace(r.PostFormValue("SipResponseCode")),
	}
	if f.CallSid == "" {
		return f, errors.Join(ErrMalformedCallback, errors.New("missing CallSid"))
	}
	st, ok := calls.ParseCarrierStatus(f.CallStatus)
	if !ok {
		return f, errors.Join(ErrMalformedCallback, errors.New("unknown CallStatus "+strconv.Quote(f.CallStatus)))
	}
	f.Status = st

	if n, err := strconv.Atoi(r.PostFormValue("SequenceNumber")); err == nil {
		f.SequenceNumber = n
	}
	if n, err := strconv.Atoi(r.PostFormValue("CallDuration")); err == nil {
		f.CallDuration = n
	}
	if ts := r.PostFormValue("Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			f.Timestamp = t.UTC()
		}
	}
	return f, nil
}

// Detail is the human-readable failure reason carried by the callback, if any.
func (f TwilioStatusCallback) Detail() string {
	switch {
	case f.ErrorCode != "" && f.ErrorMessage != "":
		return "carrier error " + f.ErrorCode + ": " + f.ErrorMessage
	case f.ErrorCode != "":
		return "carrier error " + f.ErrorCode
	case f.SipResponseCode != "" && f.Status.Unsuccessful():
		return "sip response " + f.SipResponseCode
	}
	return ""
}

// formParams flattens a parsed form for signature validation.
func formParams(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
