package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/scanpoll/internal/remote"
	"github.com/kiranshivaraju/scanpoll/internal/store"
	"github.com/kiranshivaraju/scanpoll/internal/study"
	"github.com/kiranshivaraju/scanpoll/internal/tracker"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// --- mock Analyses ---

type mockAnalyses struct {
	startFn  func(req models.JobRequest) (models.Snapshot, error)
	resumeFn func(jobID string) (models.Snapshot, error)
	retryFn  func(jobID string) (models.Snapshot, error)
	abortFn  func(jobID string) (models.Snapshot, error)
	snaps    map[string]models.Snapshot
	records  map[string]*models.AnalysisRecord
	events   []*models.AnalysisEvent
	listErr  error

	started    []models.JobRequest
	lastFilter store.AnalysisFilter
}

func (m *mockAnalyses) Start(_ context.Context, req models.JobRequest) (models.Snapshot, error) {
	m.started = append(m.started, req)
	return m.startFn(req)
}

func (m *mockAnalyses) Resume(_ context.Context, jobID string) (models.Snapshot, error) {
	return m.resumeFn(jobID)
}

func (m *mockAnalyses) Retry(_ context.Context, jobID string) (models.Snapshot, error) {
	return m.retryFn(jobID)
}

func (m *mockAnalyses) Abort(jobID string) (models.Snapshot, error) {
	return m.abortFn(jobID)
}

func (m *mockAnalyses) Get(_ context.Context, jobID string) (models.Snapshot, error) {
	snap, ok := m.snaps[jobID]
	if !ok {
		return models.Snapshot{}, tracker.ErrNotFound
	}
	return snap, nil
}

func (m *mockAnalyses) Record(_ context.Context, jobID string) (*models.AnalysisRecord, error) {
	rec, ok := m.records[jobID]
	if !ok {
		return nil, tracker.ErrNotFound
	}
	return rec, nil
}

func (m *mockAnalyses) List(_ context.Context, filter store.AnalysisFilter) ([]*models.AnalysisRecord, int, error) {
	m.lastFilter = filter
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var out []*models.AnalysisRecord
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, len(out), nil
}

func (m *mockAnalyses) History(_ context.Context, jobID string) ([]*models.AnalysisEvent, error) {
	var out []*models.AnalysisEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// --- mock remote pieces ---

type mockLinker struct{}

func (mockLinker) VisualizationURL(job *models.Job) (string, bool) {
	loc, ok := job.Results.VisualizationLocation()
	if !ok {
		return "", false
	}
	return "https://api.example.org" + loc, true
}

type mockResults struct {
	download    *remote.Download
	downloadErr error
	feedbackErr error
	feedback    []models.Feedback
}

func (m *mockResults) DownloadResults(_ context.Context, _ string) (*remote.Download, error) {
	return m.download, m.downloadErr
}

func (m *mockResults) SubmitFeedback(_ context.Context, _ string, fb models.Feedback) error {
	m.feedback = append(m.feedback, fb)
	return m.feedbackErr
}

type mockConfig struct {
	calls int
	cfg   models.ServiceConfig
	err   error
}

func (m *mockConfig) Config(_ context.Context) (models.ServiceConfig, error) {
	m.calls++
	return m.cfg, m.err
}

type mockResolver struct {
	calls     int
	hints     study.Hints
	details   models.StudyDetails
	err       error
	fallback  bool
}

func (m *mockResolver) Resolve(_ context.Context, studyID string, hints study.Hints) (models.StudyDetails, error) {
	m.calls++
	m.hints = hints
	if m.fallback {
		return study.Fallback(studyID, hints), m.err
	}
	return m.details, m.err
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

type mockKeyAdmin struct {
	created   []*models.APIKey
	list      []*models.APIKey
	createErr error
	revokeErr error
	revoked   []uuid.UUID
}

func (m *mockKeyAdmin) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, key)
	return nil
}

func (m *mockKeyAdmin) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	return m.list, nil
}

func (m *mockKeyAdmin) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.revoked = append(m.revoked, id)
	return m.revokeErr
}

// --- helpers ---

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var r io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func withURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func serve(h http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error.Code, env.Error.Message
}

func succeeded(jobID string) models.Snapshot {
	return models.Snapshot{
		State:   models.StateSucceeded,
		Request: &models.JobRequest{SubjectID: "S1", Modality: "CT", BodyPart: "CHEST"},
		Job: &models.Job{
			ID: jobID, SubjectID: "S1", Modality: "CT", BodyPart: "CHEST",
			Status:  models.JobStatusCompleted,
			Results: &models.Results{VisualizationPath: "/outputs/" + jobID + "/viz.png"},
		},
		Attempts: 2,
	}
}

func polling(jobID string) models.Snapshot {
	return models.Snapshot{
		State:   models.StatePolling,
		Request: &models.JobRequest{SubjectID: "S1", Modality: "CT", BodyPart: "CHEST"},
		Job:     &models.Job{ID: jobID, SubjectID: "S1", Status: models.JobStatusRunning},
	}
}

func jsonUnmarshal(w *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(w.Body.Bytes(), v)
}
