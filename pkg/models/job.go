// Package models contains shared data models used across the scanpoll codebase.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus is the status the Remote Analysis Service reports for a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further remote progress is expected.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a status change is allowed.
// Valid transitions:
//
//	pending -> running | completed | failed
//	running -> completed | failed
//
// Repeating the same non-terminal status is allowed (a poll that saw no progress).
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next.IsValid()
	case JobStatusRunning:
		return next == JobStatusRunning || next.IsTerminal()
	default:
		return false
	}
}

// JobRequest is the immutable input of one analysis submission.
type JobRequest struct {
	SubjectID string `json:"orthancId"`
	Modality  string `json:"modality"`
	BodyPart  string `json:"bodyPart"`
}

// Validate checks that every field needed for submission is present.
func (r JobRequest) Validate() error {
	switch {
	case r.SubjectID == "":
		return errors.New("subject id is required")
	case r.Modality == "":
		return errors.New("modality is required")
	case r.BodyPart == "":
		return errors.New("body part is required")
	}
	return nil
}

// Job is the remote analysis job record. The API returns a jobId on POST /api/ai/analyze;
// the client polls GET /api/ai/job/{jobId} until status is completed or failed.
type Job struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"orthanc_id,omitempty"`
	Modality    string     `json:"modality,omitempty"`
	BodyPart    string     `json:"body_part,omitempty"`
	Status      JobStatus  `json:"status"`
	Results     *Results   `json:"results,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Cached      bool       `json:"cached"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Layouts accepted for job timestamps. Zone-less values are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON decodes a job leniently: a timestamp in an unknown format is
// dropped rather than failing the whole job.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	aux := struct {
		*plain
		CreatedAt   json.RawMessage `json:"created_at"`
		StartedAt   json.RawMessage `json:"started_at"`
		CompletedAt json.RawMessage `json:"completed_at"`
	}{plain: (*plain)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.CreatedAt = parseTimestamp(aux.CreatedAt)
	j.StartedAt = parseTimestamp(aux.StartedAt)
	j.CompletedAt = parseTimestamp(aux.CompletedAt)
	return nil
}

func parseTimestamp(raw json.RawMessage) *time.Time {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil || s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

var (
	ErrResultsWithoutCompletion = errors.New("results present on a job that is not completed")
	ErrCompletedWithoutResults  = errors.New("completed job has no results")
	ErrErrorWithoutFailure      = errors.New("error present on a job that has not failed")
	ErrFailedWithoutError       = errors.New("failed job has no error")
)

// Validate enforces results iff completed and error iff failed.
func (j *Job) Validate() error {
	switch {
	case j.Results != nil && j.Status != JobStatusCompleted:
		return ErrResultsWithoutCompletion
	case j.Results == nil && j.Status == JobStatusCompleted:
		return ErrCompletedWithoutResults
	case j.Error != nil && j.Status != JobStatusFailed:
		return ErrErrorWithoutFailure
	case j.Error == nil && j.Status == JobStatusFailed:
		return ErrFailedWithoutError
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Results != nil {
		r := *j.Results
		r.OutputFiles = append([]OutputFile(nil), j.Results.OutputFiles...)
		r.Raw = append([]byte(nil), j.Results.Raw...)
		c.Results = &r
	}
	if j.Error != nil {
		msg := *j.Error
		c.Error = &msg
	}
	c.CreatedAt = cloneTime(j.CreatedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// Reference returns the timestamp the wall-clock ceiling is measured from:
// started_at, else created_at, else the zero time.
func (j *Job) Reference() time.Time {
	switch {
	case j.StartedAt != nil:
		return *j.StartedAt
	case j.CreatedAt != nil:
		return *j.CreatedAt
	default:
		return time.Time{}
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
