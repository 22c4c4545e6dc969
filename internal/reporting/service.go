package reporting

import (
	"context"
	"errors"
	"time"

	"callbridge/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts access to terminal lifecycle events.
type Repository interface {
	ListLifecycleEvents(ctx context.Context, from, to time.Time) ([]calls.LifecycleEvent, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListLifecycleEvents(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{Range: req.Range}
	for _, ev := range rows {
		out.TotalCalls++
		switch ev.FinalState {
		case calls.StateEnded:
			out.EndedCalls++
		case calls.StateFailed:
			out.FailedCalls++
		}
		if ev.Connected {
			out.ConnectedCalls++
			if d := ev.EndedAt.Sub(ev.StartedAt); d > 0 && !ev.StartedAt.IsZero() {
				out.TotalDurationSeconds += int(d / time.Second)
			}
		}

		switch ev.CarrierStatus {
		case calls.CarrierStatusNoAnswer:
			out.NoAnswerCalls++
		case calls.CarrierStatusBusy:
			out.BusyCalls++
		case calls.CarrierStatusCanceled:
			out.CanceledCalls++
		}
		switch ev.Reason {
		case calls.ReasonPollingTimeout:
			out.PollingTimeouts++
		case calls.ReasonOperatorEnded:
			out.OperatorEnded++
		}
	}
	if out.ConnectedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.ConnectedCalls
	}
	if out.TotalCalls > 0 {
		out.ConnectionRate = float64(out.ConnectedCalls) / float64(out.TotalCalls)
	}
	return out, nil
}
