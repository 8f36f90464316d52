package runs

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
	"github.com/jobledger/core/pkg/models/api"
	"github.com/jobledger/core/pkg/runstore"
)

// Handler handles run history requests
type Handler struct {
	store  runstore.RunStore
	logger *logger.Logger
}

// NewHandler creates a new runs handler
func NewHandler(store runstore.RunStore, log *logger.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: log,
	}
}

// List handles GET /api/runs
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := runstore.RunFilter{
		JobName:        q.Get("name"),
		JobGroup:       q.Get("group"),
		InstanceName:   q.Get("instance"),
		ResultContains: q.Get("contains"),
	}

	if s := q.Get("status"); s != "" {
		status := models.RunStatus(s)
		if status != models.RunStarted && !status.IsTerminal() {
			http.Error(w, "Invalid status, expected Started, Success or Failed", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid from time, expected RFC3339", http.StatusBadRequest)
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid to time, expected RFC3339", http.StatusBadRequest)
			return
		}
		filter.To = to
	}

	take := 50
	if raw := q.Get("take"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			take = parsed
		}
	}
	if take > 500 {
		take = 500
	}
	filter.Take = take

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	jobRuns, err := h.store.GetJobRuns(ctx, filter)
	if err != nil {
		h.logger.Error().Err(err).Str("action", "list_runs_failed").Msg("Failed to list runs")
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, api.Response{
		Success: true,
		Data:    jobRuns,
		Meta: map[string]interface{}{
			"total": len(jobRuns),
		},
	})
}

// Stats handles GET /api/runs/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var from, to time.Time
	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid from time, expected RFC3339", http.StatusBadRequest)
			return
		}
		from = parsed
	}
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid to time, expected RFC3339", http.StatusBadRequest)
			return
		}
		to = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := h.store.GetJobRunStats(ctx, q.Get("name"), q.Get("group"), from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("action", "run_stats_failed").Msg("Failed to aggregate run stats")
		http.Error(w, "Failed to aggregate run stats", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, api.Response{
		Success: true,
		Data:    stats,
	})
}

// Purge handles POST /api/runs/purge
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	raw := q.Get("older_than")
	if raw == "" {
		http.Error(w, "Missing older_than duration", http.StatusBadRequest)
		return
	}
	olderThan, err := time.ParseDuration(raw)
	if err != nil || olderThan <= 0 {
		http.Error(w, "Invalid older_than duration", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	purged, err := h.store.PurgeJobRuns(ctx, q.Get("name"), q.Get("group"), time.Now().UTC().Add(-olderThan))
	if err != nil {
		h.logger.Error().Err(err).Str("action", "purge_runs_failed").Msg("Failed to purge runs")
		http.Error(w, "Failed to purge runs", http.StatusInternalServerError)
		return
	}

	h.logger.Info().
		Int("purged", purged).
		Str("older_than", raw).
		Str("action", "runs_purged").
		Msg("Purged runs via API")

	h.writeJSON(w, api.Response{
		Success: true,
		Data:    map[string]interface{}{"purged": purged},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, response api.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
