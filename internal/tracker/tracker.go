// Package tracker keeps one analysis controller per job and mirrors every
// snapshot into Postgres, Redis and the event bus.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/scanpoll/internal/controller"
	"github.com/kiranshivaraju/scanpoll/internal/events"
	"github.com/kiranshivaraju/scanpoll/internal/store"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

var ErrNotFound = errors.New("analysis not found")

const persistTimeout = 5 * time.Second

// Store is the persistence the tracker needs.
type Store interface {
	SaveAnalysis(ctx context.Context, rec *models.AnalysisRecord) error
	GetAnalysis(ctx context.Context, jobID string) (*models.AnalysisRecord, error)
	ListAnalyses(ctx context.Context, filter store.AnalysisFilter) ([]*models.AnalysisRecord, int, error)
	ListAnalysisEvents(ctx context.Context, jobID string) ([]*models.AnalysisEvent, error)
}

// SnapshotCache holds the latest snapshot per job for fast reads.
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, jobID string, snap models.Snapshot, ttl time.Duration) error
	GetSnapshot(ctx context.Context, jobID string) (*models.Snapshot, bool, error)
}

type Config struct {
	CacheTTL  time.Duration
	Retention time.Duration // how long finished controllers stay in memory
	Logger    *slog.Logger
}

// Tracker owns the live controllers, keyed by job id.
type Tracker struct {
	svc      controller.Service
	ctrlOpts []controller.Option
	store    Store
	cache    SnapshotCache
	events   events.Publisher
	cacheTTL time.Duration
	retain   time.Duration
	logger   *slog.Logger

	// lifetime bounds every controller; cancelling it aborts them all.
	lifetime context.Context
	cancel   context.CancelFunc
	closing  atomic.Bool

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	ctrl        *controller.Controller
	unsubscribe func()

	mu      sync.Mutex
	retryOf string
}

func (e *entry) setRetryOf(jobID string) {
	e.mu.Lock()
	e.retryOf = jobID
	e.mu.Unlock()
}

func (e *entry) retryOfFor(jobID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryOf == jobID {
		return ""
	}
	return e.retryOf
}

// New creates a tracker. ctrlOpts are applied to every controller it creates.
func New(svc controller.Service, st Store, c SnapshotCache, pub events.Publisher, cfg Config, ctrlOpts ...controller.Option) *Tracker {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Tracker{
		svc:      svc,
		ctrlOpts: append([]controller.Option{controller.WithLogger(cfg.Logger)}, ctrlOpts...),
		store:    st,
		cache:    c,
		events:   pub,
		cacheTTL: cfg.CacheTTL,
		retain:   cfg.Retention,
		logger:   cfg.Logger,
		lifetime: lifetime,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}
}

func (t *Tracker) newEntry() *entry {
	e := &entry{ctrl: controller.New(t.svc, t.ctrlOpts...)}
	e.unsubscribe = e.ctrl.Subscribe(func(snap models.Snapshot) { t.persist(e, snap) })
	return e
}

// Start submits req under a new controller. A submission that fails before a
// job id is assigned is returned but not tracked.
func (t *Tracker) Start(ctx context.Context, req models.JobRequest) (models.Snapshot, error) {
	if t.closing.Load() {
		return models.Snapshot{}, controller.ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, err
	}
	e := t.newEntry()
	if err := e.ctrl.Start(t.lifetime, req); err != nil {
		e.unsubscribe()
		return models.Snapshot{}, err
	}

	snap := e.ctrl.Snapshot()
	if id := snap.JobID(); id != "" {
		t.register(id, e)
	} else {
		e.unsubscribe()
	}
	return snap, nil
}

// Resume attaches a controller to an existing job. A job that is already
// tracked and still active is returned as is.
func (t *Tracker) Resume(ctx context.Context, jobID string) (models.Snapshot, error) {
	if t.closing.Load() {
		return models.Snapshot{}, controller.ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, err
	}
	if e := t.lookup(jobID); e != nil {
		snap := e.ctrl.Snapshot()
		if snap.State == models.StatePolling || snap.State == models.StateSubmitting {
			return snap, nil
		}
	}

	e := t.newEntry()
	if err := e.ctrl.Resume(t.lifetime, jobID); err != nil {
		e.unsubscribe()
		return models.Snapshot{}, err
	}
	t.register(jobID, e)
	return e.ctrl.Snapshot(), nil
}

// Retry resubmits a finished analysis. The entry moves to the new job id; the
// new job's record points back at jobID. A job no longer held in memory is
// reattached first.
func (t *Tracker) Retry(ctx context.Context, jobID string) (models.Snapshot, error) {
	e := t.lookup(jobID)
	if e == nil {
		if _, err := t.Resume(ctx, jobID); err != nil {
			return models.Snapshot{}, err
		}
		if e = t.lookup(jobID); e == nil {
			return models.Snapshot{}, ErrNotFound
		}
	}

	e.setRetryOf(jobID)
	if err := e.ctrl.Retry(t.lifetime); err != nil {
		return e.ctrl.Snapshot(), err
	}

	snap := e.ctrl.Snapshot()
	if id := snap.JobID(); id != "" && id != jobID {
		t.mu.Lock()
		if t.entries[jobID] == e {
			delete(t.entries, jobID)
		}
		t.entries[id] = e
		t.mu.Unlock()
		t.logger.Info("analysis retried", "job_id", id, "retry_of", jobID)
	}
	return snap, nil
}

// Abort stops a tracked analysis.
func (t *Tracker) Abort(jobID string) (models.Snapshot, error) {
	e := t.lookup(jobID)
	if e == nil {
		return models.Snapshot{}, ErrNotFound
	}
	e.ctrl.Abort()
	return e.ctrl.Snapshot(), nil
}

// Get returns the freshest known snapshot: live, then cached, then stored.
func (t *Tracker) Get(ctx context.Context, jobID string) (models.Snapshot, error) {
	if e := t.lookup(jobID); e != nil {
		return e.ctrl.Snapshot(), nil
	}

	if t.cache != nil {
		snap, ok, err := t.cache.GetSnapshot(ctx, jobID)
		if err != nil {
			t.logger.Warn("snapshot cache read failed", "job_id", jobID, "error", err)
		} else if ok {
			return *snap, nil
		}
	}

	rec, err := t.store.GetAnalysis(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("get analysis: %w", err)
	}
	return rec.Snapshot, nil
}

// Record returns the stored record of a job, including retry lineage.
func (t *Tracker) Record(ctx context.Context, jobID string) (*models.AnalysisRecord, error) {
	rec, err := t.store.GetAnalysis(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (t *Tracker) List(ctx context.Context, filter store.AnalysisFilter) ([]*models.AnalysisRecord, int, error) {
	return t.store.ListAnalyses(ctx, filter)
}

func (t *Tracker) History(ctx context.Context, jobID string) ([]*models.AnalysisEvent, error) {
	return t.store.ListAnalysisEvents(ctx, jobID)
}

// Active returns snapshots of all controllers held in memory.
func (t *Tracker) Active() []models.Snapshot {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	snaps := make([]models.Snapshot, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, e.ctrl.Snapshot())
	}
	return snaps
}

// ResumeUnfinished reattaches to every stored analysis that was still
// submitting or polling, typically after a restart.
func (t *Tracker) ResumeUnfinished(ctx context.Context) (int, error) {
	var resumed int
	for _, state := range []models.AnalysisState{models.StatePolling, models.StateSubmitting} {
		for page := 1; ; page++ {
			recs, _, err := t.store.ListAnalyses(ctx, store.AnalysisFilter{State: state, Page: page, Limit: 100})
			if err != nil {
				return resumed, fmt.Errorf("list unfinished analyses: %w", err)
			}
			for _, rec := range recs {
				if _, err := t.Resume(ctx, rec.JobID()); err != nil {
					t.logger.Warn("resume failed", "job_id", rec.JobID(), "error", err)
					continue
				}
				resumed++
			}
			if len(recs) < 100 {
				break
			}
		}
	}
	return resumed, nil
}

// Shutdown stops every controller without recording them as aborted, so
// they can be resumed later.
func (t *Tracker) Shutdown() {
	t.closing.Store(true)
	t.cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		e.ctrl.Abort()
		e.unsubscribe()
		delete(t.entries, id)
	}
}

func (t *Tracker) lookup(jobID string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[jobID]
}

func (t *Tracker) register(jobID string, e *entry) {
	t.mu.Lock()
	prev := t.entries[jobID]
	t.entries[jobID] = e
	t.mu.Unlock()

	if prev != nil && prev != e {
		prev.unsubscribe()
		prev.ctrl.Abort()
	}
}

// persist mirrors snap to the store, the cache and, for finished analyses,
// the event bus. Snapshots without a job are not recorded.
func (t *Tracker) persist(e *entry, snap models.Snapshot) {
	jobID := snap.JobID()
	if jobID == "" {
		return
	}
	if snap.State == models.StateAborted && t.closing.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	log := t.logger.With("job_id", jobID, "state", snap.State)

	rec := &models.AnalysisRecord{Snapshot: snap, RetryOf: e.retryOfFor(jobID)}
	if err := t.store.SaveAnalysis(ctx, rec); err != nil {
		log.Error("persisting snapshot failed", "error", err)
	}
	if t.cache != nil {
		if err := t.cache.SetSnapshot(ctx, jobID, snap, t.cacheTTL); err != nil {
			log.Warn("caching snapshot failed", "error", err)
		}
	}

	if snap.State.IsTerminal() {
		if err := t.events.Publish(ctx, snap); err != nil {
			log.Error("publishing event failed", "error", err)
		}
	}
	if snap.State.IsTerminal() || snap.State == models.StateAborted {
		time.AfterFunc(t.retain, func() { t.evict(jobID, e) })
	}
}

// evict drops a finished entry unless it has been retried or resumed since.
func (t *Tracker) evict(jobID string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[jobID] != e {
		return
	}
	state := e.ctrl.Snapshot().State
	if state.IsTerminal() || state == models.StateAborted {
		delete(t.entries, jobID)
		e.unsubscribe()
	}
}
