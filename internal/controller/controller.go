// Package controller drives one remote analysis job from submission to a
// terminal state and publishes snapshots of its progress to subscribers.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/scanpoll/internal/study"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// Defaults for the polling loop.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 450
	DefaultCeiling     = 45 * time.Minute
)

// Service is the part of the Remote Analysis Service the controller needs.
type Service interface {
	Submit(ctx context.Context, req models.JobRequest) (models.SubmitResponse, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithInterval sets the delay between status checks.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithMaxAttempts caps status checks for submitted jobs. Zero disables the cap.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) { c.maxAttempts = n }
}

// WithCeiling sets the wall-clock limit measured from the job's start.
func WithCeiling(d time.Duration) Option {
	return func(c *Controller) { c.ceiling = d }
}

func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.sched = s }
}

func WithClock(clk Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithResolver supplies request parameters for Retry when only the subject is known.
func WithResolver(r study.Resolver) Option {
	return func(c *Controller) { c.resolver = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

type subscriber struct {
	id uint64
	fn func(models.Snapshot)
}

// Controller manages the lifecycle of one analysis job at a time.
// All methods are safe for concurrent use.
type Controller struct {
	svc      Service
	sched    Scheduler
	clock    Clock
	resolver study.Resolver
	logger   *slog.Logger

	interval    time.Duration
	maxAttempts int
	ceiling     time.Duration

	mu        sync.Mutex
	state     models.AnalysisState
	job       *models.Job
	request   *models.JobRequest
	subject   string
	failure   *Failure
	attempts  int
	updatedAt time.Time
	session   *pollSession
	release   func() bool

	subs     []subscriber
	nextSub  uint64
	pending  []models.Snapshot
	draining bool
}

// New creates an idle controller.
func New(svc Service, opts ...Option) *Controller {
	c := &Controller{
		svc:         svc,
		sched:       timerScheduler{},
		clock:       systemClock{},
		logger:      slog.Default(),
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		ceiling:     DefaultCeiling,
		state:       models.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.updatedAt = c.clock.Now()
	return c
}

// Start submits req and begins tracking the resulting job. The submission
// and, for cached results, the first status check run before Start returns;
// later checks run on the scheduler. ctx bounds the controller's lifetime:
// cancelling it aborts the controller.
func (c *Controller) Start(ctx context.Context, req models.JobRequest) error {
	c.mu.Lock()
	s, err := c.beginLocked(ctx)
	if err != nil {
		c.unlockAndNotify()
		return err
	}
	r := req
	c.request = &r
	c.subject = req.SubjectID
	c.job = nil
	c.failure = nil
	c.attempts = 0
	c.transitionLocked(models.StateSubmitting)
	c.unlockAndNotify()

	log := c.logger.With("subject_id", req.SubjectID)
	if err := req.Validate(); err != nil {
		c.mu.Lock()
		if c.proceedLocked(s) {
			c.failLocked(models.FailureSubmission, err.Error())
		}
		c.unlockAndNotify()
		return nil
	}

	log.Info("submitting analysis", "modality", req.Modality, "body_part", req.BodyPart)
	resp, err := c.svc.Submit(s.ctx, req)

	c.mu.Lock()
	if !c.proceedLocked(s) {
		c.unlockAndNotify()
		return nil
	}
	if err != nil {
		c.failLocked(models.FailureSubmission, err.Error())
		c.unlockAndNotify()
		return nil
	}
	jobID, msg, ok := acceptSubmission(resp)
	if !ok {
		c.failLocked(models.FailureSubmission, msg)
		c.unlockAndNotify()
		return nil
	}

	s.jobID = jobID
	s.job = &models.Job{
		ID:        jobID,
		SubjectID: req.SubjectID,
		Modality:  req.Modality,
		BodyPart:  req.BodyPart,
		Status:    models.JobStatusPending,
		Cached:    resp.Cached,
	}
	c.job = s.job
	log.Info("analysis accepted", "job_id", jobID, "cached", resp.Cached)

	if !resp.Cached {
		c.startPollingLocked(s)
		c.unlockAndNotify()
		return nil
	}
	c.mu.Unlock()

	job, err := c.svc.GetJob(s.ctx, jobID)

	c.mu.Lock()
	if !c.proceedLocked(s) {
		c.unlockAndNotify()
		return nil
	}
	if err != nil {
		log.Warn("cached status check failed, polling instead", "job_id", jobID, "error", err)
		c.startPollingLocked(s)
	} else {
		c.applyStatusLocked(s, job)
	}
	c.unlockAndNotify()
	return nil
}

// Resume attaches to an existing job. Its status is fetched once before Resume
// returns: a terminal status is applied directly, otherwise polling begins
// with only the wall-clock ceiling as a limit.
func (c *Controller) Resume(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrInvalidJobID
	}

	c.mu.Lock()
	s, err := c.beginLocked(ctx)
	if err != nil {
		c.unlockAndNotify()
		return err
	}
	s.jobID = jobID
	s.maxAttempts = 0
	c.mu.Unlock()

	c.logger.Info("resuming analysis", "job_id", jobID)
	job, err := c.svc.GetJob(s.ctx, jobID)

	c.mu.Lock()
	if !c.proceedLocked(s) {
		c.unlockAndNotify()
		return nil
	}
	c.failure = nil
	c.attempts = 0
	c.request = nil
	c.subject = ""
	if err != nil {
		c.job = nil
		c.failLocked(models.FailureTransport, err.Error())
		c.unlockAndNotify()
		return nil
	}

	c.subject = job.SubjectID
	if r := (models.JobRequest{SubjectID: job.SubjectID, Modality: job.Modality, BodyPart: job.BodyPart}); r.Validate() == nil {
		c.request = &r
	}
	c.applyStatusLocked(s, job)
	c.unlockAndNotify()
	return nil
}

// Retry starts a fresh submission from a terminal state, reusing the last
// request. When only the subject is known, the request is rebuilt from
// resolved study metadata.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state == models.StateAborted {
		c.mu.Unlock()
		return ErrAborted
	}
	if c.session != nil || !c.state.IsTerminal() {
		c.mu.Unlock()
		return ErrNotTerminal
	}
	var req *models.JobRequest
	if c.request != nil {
		r := *c.request
		req = &r
	}
	subject := c.subject
	var hints study.Hints
	if c.job != nil {
		hints = study.Hints{Modality: c.job.Modality, BodyPart: c.job.BodyPart}
	}
	c.mu.Unlock()

	if req != nil {
		return c.Start(ctx, *req)
	}
	if subject == "" || c.resolver == nil {
		return ErrNoRequest
	}

	details, err := c.resolver.Resolve(ctx, subject, hints)
	if err != nil {
		c.logger.Warn("study lookup failed, retrying with fallback", "subject_id", subject, "error", err)
	}
	modality, bodyPart, _ := details.Primary()
	return c.Start(ctx, models.JobRequest{SubjectID: subject, Modality: modality, BodyPart: bodyPart})
}

// Abort stops all activity. A pending status check is cancelled and any
// result still in flight is discarded. Abort is idempotent and does nothing
// once the controller has reached Succeeded or Failed.
func (c *Controller) Abort() {
	c.mu.Lock()
	c.abortLocked()
	c.unlockAndNotify()
}

// Snapshot returns the current state. The returned value shares nothing with
// the controller.
func (c *Controller) Snapshot() models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Err returns the *Failure of a failed analysis, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		return nil
	}
	f := *c.failure
	return &f
}

// Subscribe registers fn to receive a snapshot after every state transition
// and every observed change of the remote job status. Notifications are
// delivered in order, outside the controller's lock.
func (c *Controller) Subscribe(fn func(models.Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, sub := range c.subs {
				if sub.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// beginLocked checks preconditions and installs a new session.
func (c *Controller) beginLocked(ctx context.Context) (*pollSession, error) {
	switch {
	case c.state == models.StateAborted:
		return nil, ErrAborted
	case c.session != nil:
		return nil, ErrBusy
	}
	if ctx.Err() != nil {
		c.abortLocked()
		return nil, ErrAborted
	}

	if c.release != nil {
		c.release()
	}
	c.release = context.AfterFunc(ctx, c.Abort)

	sctx, cancel := context.WithCancel(ctx)
	s := &pollSession{
		ctx:         sctx,
		cancel:      cancel,
		maxAttempts: c.maxAttempts,
		interval:    c.interval,
		startedAt:   c.clock.Now(),
	}
	c.session = s
	return s, nil
}

// proceedLocked reports whether a resumption holding s may apply its result.
// A session whose context was cancelled underneath it aborts the controller.
func (c *Controller) proceedLocked(s *pollSession) bool {
	if c.session != s {
		return false
	}
	if s.ctx.Err() != nil {
		c.abortLocked()
		return false
	}
	return true
}

func (c *Controller) poll(s *pollSession) {
	c.mu.Lock()
	if !c.proceedLocked(s) {
		c.unlockAndNotify()
		return
	}
	s.stop = nil
	s.attempts++
	c.attempts = s.attempts
	c.mu.Unlock()

	job, err := c.svc.GetJob(s.ctx, s.jobID)

	c.mu.Lock()
	if !c.proceedLocked(s) {
		c.unlockAndNotify()
		return
	}
	if err != nil {
		c.failLocked(models.FailureTransport, err.Error())
	} else {
		c.applyStatusLocked(s, job)
	}
	c.unlockAndNotify()
}

// applyStatusLocked applies a status fetched for s's job.
func (c *Controller) applyStatusLocked(s *pollSession, fetched *models.Job) {
	job := c.adoptLocked(s, fetched)

	switch job.Status {
	case models.JobStatusCompleted:
		c.job = job
		c.finishLocked(models.StateSucceeded)
		return
	case models.JobStatusFailed:
		c.job = job
		c.failLocked(models.FailureRemote, *job.Error)
		return
	}

	if c.state != models.StatePolling {
		c.job = job
		c.startPollingLocked(s)
		return
	}

	if elapsed := c.clock.Now().Sub(s.reference(job)); elapsed > c.ceiling {
		c.job = job
		c.failLocked(models.FailureTimeout,
			fmt.Sprintf("Analysis timed out (%d+ minutes)", int(c.ceiling/time.Minute)))
		return
	}
	if s.budgetExhausted() {
		c.job = job
		c.failLocked(models.FailureTimeout,
			fmt.Sprintf("Analysis timed out after %d status checks", s.attempts))
		return
	}

	changed := c.job == nil || c.job.Status != job.Status
	c.job = job
	if changed {
		c.emitLocked()
	}
	c.scheduleLocked(s)
}

// adoptLocked turns a fetched job into the session's record: the id stays the
// one assigned at submission, a backwards status step is ignored, and results
// and error are kept consistent with the status.
func (c *Controller) adoptLocked(s *pollSession, fetched *models.Job) *models.Job {
	job := fetched.Clone()
	job.ID = s.jobID

	if prev := s.job; prev != nil {
		if job.SubjectID == "" {
			job.SubjectID = prev.SubjectID
		}
		if job.Modality == "" {
			job.Modality = prev.Modality
		}
		if job.BodyPart == "" {
			job.BodyPart = prev.BodyPart
		}
		job.Cached = job.Cached || prev.Cached
		if job.Status != prev.Status && !prev.Status.CanTransitionTo(job.Status) {
			c.logger.Warn("ignoring status regression", "job_id", s.jobID, "from", prev.Status, "to", job.Status)
			job.Status = prev.Status
		}
	} else if !job.Status.IsValid() {
		job.Status = models.JobStatusPending
	}

	switch job.Status {
	case models.JobStatusCompleted:
		if job.Results == nil {
			job.Results = &models.Results{}
		}
		job.Error = nil
	case models.JobStatusFailed:
		msg := remoteMessage(job)
		job.Error = &msg
		job.Results = nil
	default:
		job.Results = nil
		job.Error = nil
	}

	s.job = job
	return job
}

func (c *Controller) startPollingLocked(s *pollSession) {
	c.transitionLocked(models.StatePolling)
	c.scheduleLocked(s)
}

func (c *Controller) scheduleLocked(s *pollSession) {
	s.stop = c.sched.AfterFunc(s.interval, func() { c.poll(s) })
}

func (c *Controller) failLocked(reason models.FailureReason, msg string) {
	c.failure = &Failure{Reason: reason, Message: msg}
	c.logger.Warn("analysis failed", "job_id", c.currentJobID(), "reason", reason, "error", msg)
	c.finishLocked(models.StateFailed)
}

func (c *Controller) finishLocked(state models.AnalysisState) {
	if c.session != nil {
		c.session.close()
		c.session = nil
	}
	if c.release != nil {
		c.release()
		c.release = nil
	}
	if state == models.StateSucceeded {
		c.logger.Info("analysis succeeded", "job_id", c.currentJobID(), "attempts", c.attempts)
	}
	c.transitionLocked(state)
}

func (c *Controller) abortLocked() {
	if c.state == models.StateAborted {
		return
	}
	if c.session == nil && c.state.IsTerminal() {
		return
	}
	if c.session != nil {
		c.session.close()
		c.session = nil
	}
	if c.release != nil {
		c.release()
		c.release = nil
	}
	c.logger.Info("analysis aborted", "job_id", c.currentJobID())
	c.transitionLocked(models.StateAborted)
}

func (c *Controller) currentJobID() string {
	if c.job == nil {
		return ""
	}
	return c.job.ID
}

func (c *Controller) transitionLocked(state models.AnalysisState) {
	c.state = state
	c.emitLocked()
}

func (c *Controller) emitLocked() {
	c.updatedAt = c.clock.Now()
	c.pending = append(c.pending, c.snapshotLocked())
}

func (c *Controller) snapshotLocked() models.Snapshot {
	snap := models.Snapshot{
		State:     c.state,
		Job:       c.job.Clone(),
		Attempts:  c.attempts,
		UpdatedAt: c.updatedAt,
	}
	if c.request != nil {
		r := *c.request
		snap.Request = &r
	}
	if c.failure != nil {
		snap.FailureReason = c.failure.Reason
		snap.Message = c.failure.Message
	}
	return snap
}

// unlockAndNotify releases c.mu and delivers queued snapshots. Only one
// goroutine drains at a time; snapshots queued meanwhile, including by a
// subscriber calling back into the controller, are delivered by that drainer
// in order.
func (c *Controller) unlockAndNotify() {
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		subs := append([]subscriber(nil), c.subs...)
		c.mu.Unlock()

		for _, snap := range batch {
			for _, sub := range subs {
				sub.fn(snap)
			}
		}

		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// acceptSubmission interprets a submission response, returning the job id or
// the message to fail with.
func acceptSubmission(resp models.SubmitResponse) (jobID, msg string, ok bool) {
	switch resp.Status {
	case models.SubmitStatusNoModel:
		if resp.Message != "" {
			return "", resp.Message, false
		}
		return "", msgNoModel, false
	case models.SubmitStatusQueued, models.SubmitStatusCompleted:
		if resp.JobID == "" {
			return "", msgNoJobID, false
		}
		return resp.JobID, "", true
	default:
		if resp.Error != "" {
			return "", resp.Error, false
		}
		return "", msgUnknownSubmit, false
	}
}
