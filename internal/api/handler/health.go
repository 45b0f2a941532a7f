package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/scanpoll/internal/api/response"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck is one dependency probed by the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		results := make(map[string]string, len(checks))
		degraded := false
		for _, c := range checks {
			results[c.Name] = "ok"
			if err := c.Check(ctx); err != nil {
				results[c.Name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", results)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": results,
		})
	}
}
