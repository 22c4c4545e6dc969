package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated metrics over calls that ended within Range.
type CallsSummaryRequest struct {
	Range TimeRange `json:"range"`
}

type CallsSummary struct {
	Range TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	EndedCalls     int `json:"ended_calls"`
	FailedCalls    int `json:"failed_calls"`
	ConnectedCalls int `json:"connected_calls"`

	NoAnswerCalls   int `json:"no_answer_calls"`
	BusyCalls       int `json:"busy_calls"`
	CanceledCalls   int `json:"canceled_calls"`
	PollingTimeouts int `json:"polling_timeouts"`
	OperatorEnded   int `json:"operator_ended"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	ConnectionRate float64 `json:"connection_rate"`
}
