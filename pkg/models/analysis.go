package models

import "time"

// AnalysisState is the state of an analysis job controller.
type AnalysisState string

const (
	StateIdle       AnalysisState = "idle"
	StateSubmitting AnalysisState = "submitting"
	StatePolling    AnalysisState = "polling"
	StateSucceeded  AnalysisState = "succeeded"
	StateFailed     AnalysisState = "failed"
	StateAborted    AnalysisState = "aborted"
)

// IsTerminal reports whether only Retry can produce further activity.
func (s AnalysisState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// FailureReason classifies why an analysis ended in StateFailed.
type FailureReason string

const (
	FailureSubmission FailureReason = "submission"
	FailureTransport  FailureReason = "transport"
	FailureRemote     FailureReason = "remote"
	FailureTimeout    FailureReason = "timeout"
)

// Snapshot is a read-only view of a controller at one point in time.
type Snapshot struct {
	State         AnalysisState `json:"state"`
	Job           *Job          `json:"job,omitempty"`
	Request       *JobRequest   `json:"request,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Message       string        `json:"message,omitempty"`
	Attempts      int           `json:"attempts"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// JobID returns the id of the current job, or "" before one was assigned.
func (s Snapshot) JobID() string {
	if s.Job == nil {
		return ""
	}
	return s.Job.ID
}

// AnalysisRecord is the persisted form of a tracked analysis.
type AnalysisRecord struct {
	Snapshot
	RetryOf   string    `json:"retry_of,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AnalysisEvent is one entry of an analysis' state history.
type AnalysisEvent struct {
	JobID      string        `json:"job_id"`
	State      AnalysisState `json:"state"`
	Status     JobStatus     `json:"status,omitempty"`
	Message    string        `json:"message,omitempty"`
	Attempts   int           `json:"attempts"`
	RecordedAt time.Time     `json:"recorded_at"`
}
