package reconcile

import (
	"sort"

	"callbridge/internal/calls"
)

type SignalKind string

const (
	KindCarrierStatus  SignalKind = "carrier_status"
	KindCarrierGone    SignalKind = "carrier_gone"
	KindPresence       SignalKind = "presence"
	KindOperatorEnd    SignalKind = "operator_end"
	KindPollingTimeout SignalKind = "polling_timeout"
)

// Source names the input stream a signal arrived on. It is only used for logs.
type Source string

const (
	SourcePlacement Source = "placement"
	SourceWebhook   Source = "webhook"
	SourcePoll      Source = "poll"
	SourceSession   Source = "session"
	SourceOperator  Source = "operator"
	SourceScheduler Source = "scheduler"
)

// Signal is one input to the state machine.
type Signal struct {
	Kind   SignalKind
	Source Source

	// CarrierCallID, when set, restricts the signal to the record placed with
	// that carrier call. Signals for a replaced record are dropped.
	CarrierCallID string

	Status calls.CarrierStatus
	Detail string

	ParticipantID string
	Joined        bool
}

func CarrierStatus(st calls.CarrierStatus, detail string, src Source) Signal {
	return Signal{Kind: KindCarrierStatus, Status: st, Detail: detail, Source: src}
}

func CarrierGone(src Source) Signal {
	return Signal{Kind: KindCarrierGone, Source: src}
}

func Presence(participantID string, joined bool) Signal {
	return Signal{Kind: KindPresence, ParticipantID: participantID, Joined: joined, Source: SourceSession}
}

func OperatorEnd() Signal {
	return Signal{Kind: KindOperatorEnd, Source: SourceOperator}
}

func PollingTimeout() Signal {
	return Signal{Kind: KindPollingTimeout, Source: SourceScheduler}
}

// For binds the signal to a specific carrier call.
func (s Signal) For(carrierCallID string) Signal {
	s.CarrierCallID = carrierCallID
	return s
}

// Rank is how terminal the state a signal points at is, independent of the
// record it is applied to. Used to order signals that arrive in the same tick.
func (s Signal) Rank() int {
	switch s.Kind {
	case KindCarrierGone, KindOperatorEnd, KindPollingTimeout:
		return calls.StateEnded.Rank()
	case KindPresence:
		if s.Joined {
			return calls.StateConnected.Rank()
		}
		return calls.StateEnded.Rank()
	case KindCarrierStatus:
		switch {
		case s.Status.Final():
			return calls.StateEnded.Rank()
		case s.Status.Live():
			return calls.StateConnected.Rank()
		case s.Status == calls.CarrierStatusRinging:
			return calls.StateRinging.Rank()
		default:
			return calls.StateRequested.Rank()
		}
	}
	return 0
}

// MostTerminalFirst orders signals by descending Rank, keeping arrival order
// among equals.
func MostTerminalFirst(sigs []Signal) []Signal {
	out := append([]Signal(nil), sigs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank() > out[j].Rank() })
	return out
}

// Transition applies one signal to a record and reports whether anything changed.
// It is pure: timestamps are the caller's concern.
//
//	Requested  queued/initiated            -> Requested
//	Requested  ringing                     -> Ringing
//	Req/Ring   answered/in-progress        -> Connected, connected=true
//	Req/Ring   failed/busy/no-answer/cancel -> Failed
//	Req/Ring   completed                   -> Ended
//	Connected  any final carrier status    -> Ended
//	Ring/Conn  callee joined               -> Connected, connected=true
//	Connected  same callee left            -> Ended (only if connected)
//	non-term   carrier NotFound            -> Ended
//	non-term   operator end                -> Ended
//	Req/Ring   polling timeout             -> Failed
//	Connected  polling timeout             -> Ended
//	terminal   anything                    -> no-op
func Transition(rec calls.CallRecord, sig Signal) (calls.CallRecord, bool) {
	if rec.Terminal() {
		return rec, false
	}
	next := rec

	switch sig.Kind {
	case KindCarrierStatus:
		next = applyCarrierStatus(rec, sig)

	case KindCarrierGone:
		next.State = calls.StateEnded
		next.Reason = calls.ReasonCarrierNotFound

	case KindPresence:
		if sig.Joined {
			if rec.State != calls.StateRinging && rec.State != calls.StateConnected {
				return rec, false
			}
			next.State = calls.StateConnected
			next.Connected = true
			if next.ParticipantID == "" {
				next.ParticipantID = sig.ParticipantID
			}
			break
		}
		if rec.State != calls.StateConnected || !rec.Connected {
			return rec, false
		}
		if rec.ParticipantID != "" && rec.ParticipantID != sig.ParticipantID {
			return rec, false
		}
		next.State = calls.StateEnded
		next.Reason = calls.ReasonParticipantLeft

	case KindOperatorEnd:
		next.State = calls.StateEnded
		next.Reason = calls.ReasonOperatorEnded

	case KindPollingTimeout:
		if rec.State == calls.StateConnected {
			next.State = calls.StateEnded
		} else {
			next.State = calls.StateFailed
		}
		next.Reason = calls.ReasonPollingTimeout

	default:
		return rec, false
	}

	return next, next != rec
}

func applyCarrierStatus(rec calls.CallRecord, sig Signal) calls.CallRecord {
	next := rec
	st := sig.Status

	switch {
	case st.Pending():
		if rec.State != calls.StateRequested {
			return rec
		}
		next.CarrierStatus = st

	case st == calls.CarrierStatusRinging:
		if rec.State.Rank() > calls.StateRinging.Rank() {
			return rec
		}
		next.State = calls.StateRinging
		next.CarrierStatus = st

	case st.Live():
		next.State = calls.StateConnected
		next.Connected = true
		next.CarrierStatus = st

	case st.Final():
		next.CarrierStatus = st
		next.Reason = reasonFor(sig)
		if rec.State == calls.StateConnected || st == calls.CarrierStatusCompleted {
			next.State = calls.StateEnded
		} else {
			next.State = calls.StateFailed
		}
	}
	return next
}

func reasonFor(sig Signal) string {
	if sig.Detail != "" {
		return sig.Detail
	}
	return string(sig.Status)
}
