package calls

import "strings"

// CarrierStatus is the carrier's call status vocabulary, normalized.
type CarrierStatus string

const (
	CarrierStatusQueued     CarrierStatus = "queued"
	CarrierStatusInitiated  CarrierStatus = "initiated"
	CarrierStatusRinging    CarrierStatus = "ringing"
	CarrierStatusInProgress CarrierStatus = "in-progress"
	CarrierStatusAnswered   CarrierStatus = "answered"
	CarrierStatusCompleted  CarrierStatus = "completed"
	CarrierStatusBusy       CarrierStatus = "busy"
	CarrierStatusFailed     CarrierStatus = "failed"
	CarrierStatusNoAnswer   CarrierStatus = "no-answer"
	CarrierStatusCanceled   CarrierStatus = "canceled"
)

// ParseCarrierStatus normalizes a raw carrier status string.
// Unknown values return ("", false).
func ParseCarrierStatus(raw string) (CarrierStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	switch s {
	case "cancelled":
		s = "canceled"
	case "noanswer":
		s = "no-answer"
	case "inprogress":
		s = "in-progress"
	}
	switch st := CarrierStatus(s); st {
	case CarrierStatusQueued, CarrierStatusInitiated, CarrierStatusRinging,
		CarrierStatusInProgress, CarrierStatusAnswered, CarrierStatusCompleted,
		CarrierStatusBusy, CarrierStatusFailed, CarrierStatusNoAnswer, CarrierStatusCanceled:
		return st, true
	default:
		return "", false
	}
}

// Pending reports statuses that mean the carrier has not started ringing yet.
func (s CarrierStatus) Pending() bool {
	return s == CarrierStatusQueued || s == CarrierStatusInitiated
}

// Live reports statuses that mean the callee picked up.
func (s CarrierStatus) Live() bool {
	return s == CarrierStatusInProgress || s == CarrierStatusAnswered
}

// Unsuccessful reports statuses that end a call that never connected.
func (s CarrierStatus) Unsuccessful() bool {
	switch s {
	case CarrierStatusFailed, CarrierStatusBusy, CarrierStatusNoAnswer, CarrierStatusCanceled:
		return true
	}
	return false
}

// Final reports statuses after which the carrier will not report anything else.
func (s CarrierStatus) Final() bool {
	return s == CarrierStatusCompleted || s.Unsuccessful()
}
