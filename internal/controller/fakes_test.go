package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kiranshivaraju/scanpoll/internal/study"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// --- clock & scheduler ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// manualScheduler queues callbacks; the test fires them one at a time,
// advancing the clock to each deadline.
type manualScheduler struct {
	mu     sync.Mutex
	clock  *fakeClock
	timers []*fakeTimer
}

func newManualScheduler(clock *fakeClock) *manualScheduler {
	return &manualScheduler{clock: clock}
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{at: s.clock.Now().Add(d), f: f}
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Step fires the earliest pending timer and reports whether there was one.
func (s *manualScheduler) Step() bool {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if t.fired || t.stopped {
			continue
		}
		if next == nil || t.at.Before(next.at) {
			next = t
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.fired = true
	s.mu.Unlock()

	s.clock.set(next.at)
	next.f()
	return true
}

// FireStopped runs callbacks whose timers were stopped, simulating a timer
// that had already fired when Stop was called.
func (s *manualScheduler) FireStopped() int {
	s.mu.Lock()
	var fns []func()
	for _, t := range s.timers {
		if t.stopped && !t.fired {
			t.fired = true
			fns = append(fns, t.f)
		}
	}
	s.mu.Unlock()

	for _, f := range fns {
		f()
	}
	return len(fns)
}

func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// --- remote service ---

type reply struct {
	job *models.Job
	err error
}

type fakeService struct {
	mu         sync.Mutex
	submitResp models.SubmitResponse
	submitErr  error
	replies    []reply
	submits    []models.JobRequest
	gets       []string
	onGet      func(call int)
}

func (f *fakeService) Submit(_ context.Context, req models.JobRequest) (models.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	return f.submitResp, f.submitErr
}

// GetJob returns the queued replies in order, repeating the last one.
func (f *fakeService) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	f.gets = append(f.gets, jobID)
	call := len(f.gets)
	var r reply
	switch {
	case len(f.replies) == 0:
		r = reply{err: errors.New("no reply configured")}
	case call <= len(f.replies):
		r = f.replies[call-1]
	default:
		r = f.replies[len(f.replies)-1]
	}
	hook := f.onGet
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.job.Clone(), nil
}

func (f *fakeService) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gets)
}

func (f *fakeService) submitted() []models.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.JobRequest(nil), f.submits...)
}

// --- study resolver ---

type fakeResolver struct {
	details models.StudyDetails
	err     error
	calls   []string
}

func (r *fakeResolver) Resolve(_ context.Context, studyID string, hints study.Hints) (models.StudyDetails, error) {
	r.calls = append(r.calls, studyID)
	if r.err != nil {
		return study.Fallback(studyID, hints), r.err
	}
	return r.details, nil
}

// --- subscriber ---

type recorder struct {
	mu    sync.Mutex
	snaps []models.Snapshot
}

func (r *recorder) record(s models.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) states() []models.AnalysisState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AnalysisState, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.State
	}
	return out
}

func (r *recorder) last() models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

// --- job builders ---

func jobWith(status models.JobStatus) *models.Job {
	return &models.Job{ID: "J1", Status: status}
}

func completedJob() *models.Job {
	return &models.Job{
		ID:      "J1",
		Status:  models.JobStatusCompleted,
		Results: &models.Results{VisualizationPath: "/outputs/J1/viz.png"},
	}
}

func failedJob(msg string) *models.Job {
	return &models.Job{ID: "J1", Status: models.JobStatusFailed, Error: &msg}
}
