package session

import (
	"strings"

	"callbridge/internal/calls"
)

// Participant is a media-session participant as reported by the media layer.
type Participant struct {
	Identity   string
	Name       string
	Kind       string
	Attributes map[string]string
}

// KindSIP is the participant kind the media layer assigns to telephony legs.
const KindSIP = "sip"

// Attribute keys the media layer sets on SIP participants.
const (
	AttrPhoneNumber = "sip.phoneNumber"
	AttrCallID      = "sip.callID"
	AttrTwilioSID   = "sip.twilio.callSid"
)

// Classifier decides whether a participant is the called party of rec.
//
// Classifiers may return false negatives. The carrier status stream stays the
// authoritative fallback, so a missed callee only delays Connected; it never
// keeps a call alive.
type Classifier func(p Participant, rec calls.CallRecord) bool

// DefaultClassifier matches, in order:
//   - the carrier call id as identity or as the twilio call sid attribute;
//   - participants of SIP kind, or carrying SIP phone/call attributes;
//   - telephony-looking identities: "sip:", "sip_", "phone_" prefixes,
//     "+" followed by digits, or seven or more bare digits.
func DefaultClassifier(p Participant, rec calls.CallRecord) bool {
	id := strings.TrimSpace(p.Identity)
	if rec.CarrierCallID != "" {
		if id == rec.CarrierCallID || p.Attributes[AttrTwilioSID] == rec.CarrierCallID {
			return true
		}
	}
	if strings.EqualFold(p.Kind, KindSIP) {
		return true
	}
	if p.Attributes[AttrPhoneNumber] != "" || p.Attributes[AttrCallID] != "" {
		return true
	}
	return looksLikeTelephonyIdentity(id)
}

func looksLikeTelephonyIdentity(id string) bool {
	lower := strings.ToLower(id)
	for _, prefix := range []string{"sip:", "sip_", "phone_"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	if rest, ok := strings.CutPrefix(id, "+"); ok {
		return len(rest) >= 7 && allDigits(rest)
	}
	return len(id) >= 7 && allDigits(id)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
