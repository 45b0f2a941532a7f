package controller

import (
	"context"
	"time"

	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// pollSession is the state of one submission or resume cycle. A new cycle
// always gets a new session, so a callback holding an old one can tell it is
// no longer current.
type pollSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	jobID       string
	job         *models.Job
	attempts    int
	maxAttempts int // 0: only the wall-clock ceiling applies
	interval    time.Duration
	startedAt   time.Time

	stop func() bool
}

func (s *pollSession) budgetExhausted() bool {
	return s.maxAttempts > 0 && s.attempts >= s.maxAttempts
}

// reference is the time the ceiling is measured from: the job's own start,
// falling back to when this session began.
func (s *pollSession) reference(job *models.Job) time.Time {
	if ref := job.Reference(); !ref.IsZero() {
		return ref
	}
	return s.startedAt
}

func (s *pollSession) close() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.cancel()
}
