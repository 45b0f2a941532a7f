package controller

import (
	"errors"

	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// Sentinels matched by a *Failure of the corresponding reason via errors.Is.
var (
	ErrSubmission    = errors.New("submission failed")
	ErrPollTransport = errors.New("status check failed")
	ErrRemoteFailure = errors.New("remote analysis failed")
	ErrTimeout       = errors.New("analysis timed out")
)

// Precondition errors returned by controller methods. Remote and transport
// failures are never returned; they are reported through the snapshot.
var (
	ErrBusy         = errors.New("analysis already in progress")
	ErrNotTerminal  = errors.New("analysis has not finished")
	ErrAborted      = errors.New("controller aborted")
	ErrNoRequest    = errors.New("no request to retry")
	ErrInvalidJobID = errors.New("job id is required")
)

// User-facing messages.
const (
	msgNoModel       = "No suitable model found for this study"
	msgNoJobID       = "No job ID returned from server"
	msgUnknownSubmit = "Unknown response from server"
	msgRemoteFailed  = "Analysis failed"
)

// Failure describes why an analysis ended in the failed state.
type Failure struct {
	Reason  models.FailureReason
	Message string
}

func (f *Failure) Error() string { return f.Message }

// Is reports whether target is the sentinel for f's reason.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrSubmission:
		return f.Reason == models.FailureSubmission
	case ErrPollTransport:
		return f.Reason == models.FailureTransport
	case ErrRemoteFailure:
		return f.Reason == models.FailureRemote
	case ErrTimeout:
		return f.Reason == models.FailureTimeout
	}
	return false
}

// remoteMessage picks the message for a job the service reported as failed:
// the job error, then the results error, then a generic message.
func remoteMessage(job *models.Job) string {
	if job.Error != nil && *job.Error != "" {
		return *job.Error
	}
	if job.Results != nil && job.Results.Error != "" {
		return job.Results.Error
	}
	return msgRemoteFailed
}
