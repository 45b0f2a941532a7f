package handler

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/scanpoll/internal/api/response"
	"github.com/kiranshivaraju/scanpoll/internal/store"
	"github.com/kiranshivaraju/scanpoll/internal/study"
	"github.com/kiranshivaraju/scanpoll/internal/tracker"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Analyses is the analysis registry the handlers drive.
type Analyses interface {
	Start(ctx context.Context, req models.JobRequest) (models.Snapshot, error)
	Resume(ctx context.Context, jobID string) (models.Snapshot, error)
	Retry(ctx context.Context, jobID string) (models.Snapshot, error)
	Abort(jobID string) (models.Snapshot, error)
	Get(ctx context.Context, jobID string) (models.Snapshot, error)
	Record(ctx context.Context, jobID string) (*models.AnalysisRecord, error)
	List(ctx context.Context, filter store.AnalysisFilter) ([]*models.AnalysisRecord, int, error)
	History(ctx context.Context, jobID string) ([]*models.AnalysisEvent, error)
}

var _ Analyses = (*tracker.Tracker)(nil)

// ArtifactLinker turns a job's result locations into absolute URLs.
type ArtifactLinker interface {
	VisualizationURL(job *models.Job) (string, bool)
}

type analysisView struct {
	JobID            string               `json:"job_id,omitempty"`
	State            models.AnalysisState `json:"state"`
	Status           models.JobStatus     `json:"status,omitempty"`
	Request          *models.JobRequest   `json:"request,omitempty"`
	Job              *models.Job          `json:"job,omitempty"`
	FailureReason    models.FailureReason `json:"failure_reason,omitempty"`
	Message          string               `json:"message,omitempty"`
	Attempts         int                  `json:"attempts"`
	VisualizationURL string               `json:"visualization_url,omitempty"`
	RetryOf          string               `json:"retry_of,omitempty"`
	CreatedAt        *time.Time           `json:"created_at,omitempty"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func newAnalysisView(snap models.Snapshot, links ArtifactLinker) analysisView {
	v := analysisView{
		JobID:         snap.JobID(),
		State:         snap.State,
		Request:       snap.Request,
		Job:           snap.Job,
		FailureReason: snap.FailureReason,
		Message:       snap.Message,
		Attempts:      snap.Attempts,
		UpdatedAt:     snap.UpdatedAt,
	}
	if snap.Job != nil {
		v.Status = snap.Job.Status
		if snap.State == models.StateSucceeded && links != nil {
			v.VisualizationURL, _ = links.VisualizationURL(snap.Job)
		}
	}
	return v
}

func newRecordView(rec *models.AnalysisRecord, links ArtifactLinker) analysisView {
	v := newAnalysisView(rec.Snapshot, links)
	v.RetryOf = rec.RetryOf
	if !rec.CreatedAt.IsZero() {
		created := rec.CreatedAt
		v.CreatedAt = &created
	}
	return v
}

type createAnalysisRequest struct {
	SubjectID string `json:"orthancId"`
	Modality  string `json:"modality"`
	BodyPart  string `json:"bodyPart"`
}

// NewCreateAnalysisHandler returns an http.HandlerFunc for POST /api/v1/analyses.
// A missing modality or body part is taken from the study's first series.
func NewCreateAnalysisHandler(svc Analyses, resolver study.Resolver, links ArtifactLinker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createAnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req := models.JobRequest{
			SubjectID: strings.TrimSpace(body.SubjectID),
			Modality:  strings.TrimSpace(body.Modality),
			BodyPart:  strings.TrimSpace(body.BodyPart),
		}
		if req.SubjectID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "orthancId is required", nil)
			return
		}

		if (req.Modality == "" || req.BodyPart == "") && resolver != nil {
			// Resolve logs failures and falls back to the hints or UNKNOWN.
			details, _ := resolver.Resolve(r.Context(), req.SubjectID,
				study.Hints{Modality: req.Modality, BodyPart: req.BodyPart})
			if modality, bodyPart, ok := details.Primary(); ok {
				req.Modality = cmp.Or(req.Modality, modality)
				req.BodyPart = cmp.Or(req.BodyPart, bodyPart)
			}
		}

		snap, err := svc.Start(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if snap.JobID() == "" {
			response.Error(w, http.StatusUnprocessableEntity, "SUBMISSION_REJECTED", snap.Message,
				newAnalysisView(snap, links))
			return
		}
		response.Accepted(w, newAnalysisView(snap, links))
	}
}

// NewResumeAnalysisHandler returns an http.HandlerFunc for POST /api/v1/analyses/resume.
func NewResumeAnalysisHandler(svc Analyses, links ArtifactLinker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			JobID string `json:"jobId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		snap, err := svc.Resume(r.Context(), strings.TrimSpace(body.JobID))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if snap.JobID() == "" && snap.State == models.StateFailed {
			response.Error(w, http.StatusBadGateway, "RESUME_FAILED", snap.Message, nil)
			return
		}
		response.JSON(w, newAnalysisView(snap, links))
	}
}

// NewGetAnalysisHandler returns an http.HandlerFunc for GET /api/v1/analyses/{jobID}.
func NewGetAnalysisHandler(svc Analyses, links ArtifactLinker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Get(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newAnalysisView(snap, links))
	}
}

// NewListAnalysesHandler returns an http.HandlerFunc for GET /api/v1/analyses.
func NewListAnalysesHandler(svc Analyses, links ArtifactLinker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseAnalysisFilter(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		recs, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}

		views := make([]analysisView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, newRecordView(rec, links))
		}
		response.Collection(w, views, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

func parseAnalysisFilter(r *http.Request) (store.AnalysisFilter, error) {
	q := r.URL.Query()
	filter := store.AnalysisFilter{
		SubjectID: q.Get("subject"),
		Page:      1,
		Limit:     defaultPageLimit,
	}

	if s := q.Get("state"); s != "" {
		state := models.AnalysisState(s)
		switch state {
		case models.StateSubmitting, models.StatePolling, models.StateSucceeded, models.StateFailed, models.StateAborted:
			filter.State = state
		default:
			return filter, errors.New("state must be one of submitting, polling, succeeded, failed, aborted")
		}
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, errors.New("since must be a valid RFC3339 timestamp")
		}
		filter.Since = since
	}
	if s := q.Get("page"); s != "" {
		page, err := strconv.Atoi(s)
		if err != nil || page < 1 {
			return filter, errors.New("page must be a positive integer")
		}
		filter.Page = page
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxPageLimit)
	}
	return filter, nil
}

// NewAnalysisHistoryHandler returns an http.HandlerFunc for GET /api/v1/analyses/{jobID}/events.
func NewAnalysisHistoryHandler(svc Analyses) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if _, err := svc.Record(r.Context(), jobID); err != nil {
			writeError(w, r, err)
			return
		}
		events, err := svc.History(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if events == nil {
			events = []*models.AnalysisEvent{}
		}
		response.JSON(w, events)
	}
}

// NewRetryAnalysisHandler returns an http.HandlerFunc for POST /api/v1/analyses/{jobID}/retry.
func NewRetryAnalysisHandler(svc Analyses, links ArtifactLinker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Retry(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if snap.JobID() == "" {
			response.Error(w, http.StatusUnprocessableEntity, "SUBMISSION_REJECTED", snap.Message,
				newAnalysisView(snap, links))
			return
		}
		response.Accepted(w, newAnalysisView(snap, links))
	}
}

// NewAbortAnalysisHandler returns an http.HandlerFunc for DELETE /api/v1/analyses/{jobID}.
func NewAbortAnalysisHandler(svc Analyses, links ArtifactLinker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Abort(chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newAnalysisView(snap, links))
	}
}
