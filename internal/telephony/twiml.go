package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is built with encoding/xml; only the verbs needed to announce and bridge
// an outbound call are modelled here.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

type twimlDial struct {
	XMLName xml.Name  `xml:"Dial"`
	Sip     *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// OutboundTwiML describes what the callee hears and where the call is bridged.
type OutboundTwiML struct {
	Announcement string
	Voice        string

	// BridgeURI is the SIP URI of the media session. When empty the call holds
	// for HoldSeconds and hangs up.
	BridgeURI   string
	HoldSeconds int
}

// RenderOutboundTwiML renders the TwiML document executed when the callee answers.
func RenderOutboundTwiML(o OutboundTwiML) (string, error) {
	var r twimlResponse

	if text := strings.TrimSpace(o.Announcement); text != "" {
		r.Verbs = append(r.Verbs, twimlSay{Voice: o.Voice, Text: text})
	}

	switch {
	case strings.TrimSpace(o.BridgeURI) != "":
		uri := strings.TrimSpace(o.BridgeURI)
		if !strings.HasPrefix(strings.ToLower(uri), "sip:") {
			return "", errors.New("telephony: bridge uri must be a sip: uri")
		}
		r.Verbs = append(r.Verbs, twimlDial{Sip: &twimlSip{URI: uri}})
	case o.HoldSeconds > 0:
		r.Verbs = append(r.Verbs, twimlPause{Length: o.HoldSeconds}, twimlHangup{})
	default:
		if len(r.Verbs) == 0 {
			return "", errors.New("telephony: nothing to render")
		}
		r.Verbs = append(r.Verbs, twimlHangup{})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BridgeURI builds the SIP URI that lands a carrier leg in a media-session room.
func BridgeURI(conversationID, sipHost string) string {
	host := strings.TrimSpace(sipHost)
	if host == "" || conversationID == "" {
		return ""
	}
	host = strings.TrimPrefix(host, "sip:")
	return "sip:" + conversationID + "@" + host
}
