package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/scanpoll/internal/api/response"
	"github.com/kiranshivaraju/scanpoll/internal/cache"
	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

const serviceConfigTTL = 5 * time.Minute

// ConfigSource returns the analysis service's model catalogue.
type ConfigSource interface {
	Config(ctx context.Context) (models.ServiceConfig, error)
}

// BlobCache stores opaque values with a TTL.
type BlobCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NewServiceConfigHandler returns an http.HandlerFunc for GET /api/v1/config.
func NewServiceConfigHandler(src ConfigSource, c BlobCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg models.ServiceConfig
		if getCachedJSON(r.Context(), c, cache.ServiceConfigKey(), &cfg) {
			response.JSON(w, cfg)
			return
		}

		cfg, err := src.Config(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		setCachedJSON(r.Context(), c, cache.ServiceConfigKey(), cfg, serviceConfigTTL)
		response.JSON(w, cfg)
	}
}

// getCachedJSON decodes key into v. Cache errors count as a miss.
func getCachedJSON(ctx context.Context, c BlobCache, key string, v any) bool {
	if c == nil {
		return false
	}
	b, ok, err := c.Get(ctx, key)
	if err != nil {
		slog.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		slog.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return false
	}
	return true
}

func setCachedJSON(ctx context.Context, c BlobCache, key string, v any, ttl time.Duration) {
	if c == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.Set(ctx, key, b, ttl); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}
