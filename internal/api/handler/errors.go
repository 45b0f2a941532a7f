package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/scanpoll/internal/api/response"
	"github.com/kiranshivaraju/scanpoll/internal/controller"
	"github.com/kiranshivaraju/scanpoll/internal/remote"
	"github.com/kiranshivaraju/scanpoll/internal/study"
	"github.com/kiranshivaraju/scanpoll/internal/tracker"
)

// writeError maps domain and upstream errors to envelope codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *remote.ServiceError
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		response.Error(w, http.StatusNotFound, "ANALYSIS_NOT_FOUND", "Analysis not found", nil)
	case errors.Is(err, study.ErrStudyNotFound):
		response.Error(w, http.StatusNotFound, "STUDY_NOT_FOUND", "Study not found", nil)
	case errors.Is(err, remote.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "The analysis service has no such job", nil)
	case errors.Is(err, controller.ErrBusy):
		response.Error(w, http.StatusConflict, "ANALYSIS_BUSY", "The analysis is still running", nil)
	case errors.Is(err, controller.ErrNotTerminal):
		response.Error(w, http.StatusConflict, "ANALYSIS_NOT_FINISHED", "The analysis has not finished yet", nil)
	case errors.Is(err, controller.ErrAborted):
		response.Error(w, http.StatusConflict, "ANALYSIS_ABORTED", "The analysis was aborted", nil)
	case errors.Is(err, controller.ErrNoRequest):
		response.Error(w, http.StatusUnprocessableEntity, "NO_REQUEST", "Nothing to retry", nil)
	case errors.Is(err, controller.ErrInvalidJobID):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobId is required", nil)
	case errors.Is(err, remote.ErrServiceTimeout):
		response.Error(w, http.StatusGatewayTimeout, "ANALYSIS_SERVICE_TIMEOUT",
			"The analysis service took too long to respond", nil)
	case errors.Is(err, remote.ErrServiceUnreachable):
		response.Error(w, http.StatusBadGateway, "ANALYSIS_SERVICE_UNAVAILABLE",
			"The analysis service is not available", nil)
	case errors.As(err, &svcErr):
		response.Error(w, http.StatusBadGateway, "ANALYSIS_SERVICE_ERROR", svcErr.Message, nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
