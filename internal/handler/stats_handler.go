// internal/handler/stats_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/cartnotify-backend/internal/errors"
	"github.com/unclebandit/cartnotify-backend/internal/model"
)

// StatsReader is implemented by service.StatsAggregator.
type StatsReader interface {
	Snapshot(ctx context.Context, tenantID string) (*model.StatsSnapshot, error)
	Analytics(ctx context.Context, tenantID string, days int) (*model.Analytics, error)
}

// StatsHandler serves the dashboard counters and windowed analytics.
type StatsHandler struct {
	Stats  StatsReader
	Logger *zap.Logger
}

func NewStatsHandler(stats StatsReader, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{Stats: stats, Logger: logger}
}

func (h *StatsHandler) fail(w http.ResponseWriter, err error) {
	if appErrors.IsNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.Logger.Error("failed to load stats", zap.Error(err))
	http.Error(w, "failed to load stats", http.StatusInternalServerError)
}

// GetStatsHandler handles GET /api/tenants/{id}/stats
func (h *StatsHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Stats.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// GetAnalyticsHandler handles GET /api/tenants/{id}/analytics?days=N
func (h *StatsHandler) GetAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			http.Error(w, "days must be between 1 and 365", http.StatusBadRequest)
			return
		}
		days = n
	}

	analytics, err := h.Stats.Analytics(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(analytics)
}
