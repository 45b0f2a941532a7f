package handler

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/scanpoll/internal/api/response"
	"github.com/kiranshivaraju/scanpoll/internal/remote"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// ResultsService exposes the result endpoints of the analysis service.
type ResultsService interface {
	DownloadResults(ctx context.Context, jobID string) (*remote.Download, error)
	SubmitFeedback(ctx context.Context, jobID string, fb models.Feedback) error
}

// NewDownloadResultsHandler returns an http.HandlerFunc for
// GET /api/v1/analyses/{jobID}/results. The archive is streamed from the
// analysis service once the analysis has succeeded.
func NewDownloadResultsHandler(svc Analyses, results ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		snap, err := svc.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if snap.State != models.StateSucceeded {
			response.Error(w, http.StatusConflict, "RESULTS_NOT_READY",
				"Results are available once the analysis has succeeded", nil)
			return
		}

		dl, err := results.DownloadResults(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer dl.Body.Close()

		response.Attachment(w, dl.Body, downloadFilename(snap, dl), dl.ContentType, dl.Size)
	}
}

// downloadFilename prefers the job's first output file, then the name the
// service sent, then one derived from the subject.
func downloadFilename(snap models.Snapshot, dl *remote.Download) string {
	subject := snap.JobID()
	if snap.Job != nil {
		subject = cmp.Or(snap.Job.SubjectID, subject)
		if name := snap.Job.Results.DownloadFilename(); name != "" {
			return name
		}
	}
	if snap.Request != nil {
		subject = cmp.Or(snap.Request.SubjectID, subject)
	}
	return cmp.Or(dl.Filename, "ai_results_"+subject+".nii.gz")
}

// NewFeedbackHandler returns an http.HandlerFunc for POST /api/v1/analyses/{jobID}/feedback.
// Modality and body part default to those the analysis ran with.
func NewFeedbackHandler(svc Analyses, results ResultsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fb models.Feedback
		if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if err := fb.Validate(); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		jobID := chi.URLParam(r, "jobID")
		snap, err := svc.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if snap.State != models.StateSucceeded {
			response.Error(w, http.StatusConflict, "ANALYSIS_NOT_SUCCEEDED",
				"Feedback can only be given on a succeeded analysis", nil)
			return
		}
		if snap.Request != nil {
			fb.Modality = cmp.Or(fb.Modality, snap.Request.Modality)
			fb.BodyPart = cmp.Or(fb.BodyPart, snap.Request.BodyPart)
		}
		if snap.Job != nil {
			fb.Modality = cmp.Or(fb.Modality, snap.Job.Modality)
			fb.BodyPart = cmp.Or(fb.BodyPart, snap.Job.BodyPart)
		}

		if err := results.SubmitFeedback(r.Context(), jobID, fb); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
