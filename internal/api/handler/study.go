package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/scanpoll/internal/api/response"
	"github.com/kiranshivaraju/scanpoll/internal/cache"
	"github.com/kiranshivaraju/scanpoll/internal/study"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

const studyTTL = 10 * time.Minute

type studyView struct {
	models.StudyDetails
	PatientName string `json:"patientName"`
	Resolved    bool   `json:"resolved"`
}

// NewStudyHandler returns an http.HandlerFunc for GET /api/v1/studies/{studyID}.
// Lookups that fail for reasons other than a missing study still answer with
// fallback details built from the modality and bodyPart query parameters.
func NewStudyHandler(resolver study.Resolver, c BlobCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studyID := chi.URLParam(r, "studyID")
		key := cache.StudyKey(studyID)

		var details models.StudyDetails
		if getCachedJSON(r.Context(), c, key, &details) {
			response.JSON(w, studyView{StudyDetails: details, PatientName: details.Patient.DisplayName(), Resolved: true})
			return
		}

		hints := study.Hints{Modality: r.URL.Query().Get("modality"), BodyPart: r.URL.Query().Get("bodyPart")}
		details, err := resolver.Resolve(r.Context(), studyID, hints)
		if errors.Is(err, study.ErrStudyNotFound) {
			writeError(w, r, err)
			return
		}
		if err == nil {
			setCachedJSON(r.Context(), c, key, details, studyTTL)
		}
		response.JSON(w, studyView{StudyDetails: details, PatientName: details.Patient.DisplayName(), Resolved: err == nil})
	}
}
