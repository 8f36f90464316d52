package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	jobsvc "github.com/jobledger/core/pkg/jobs"
	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
	"github.com/jobledger/core/pkg/models/api"
)

// Orchestrator is the slice of the orchestration layer the handler needs.
type Orchestrator interface {
	GetJobs(ctx context.Context) ([]models.JobInfo, error)
	GetJob(ctx context.Context, name, group string) (*models.JobInfo, error)
	TriggerJob(ctx context.Context, name, group string, data map[string]string) error
	PauseJob(ctx context.Context, name, group string) error
	ResumeJob(ctx context.Context, name, group string) error
	InterruptJob(ctx context.Context, name, group string) (bool, error)
}

// Handler handles job management requests
type Handler struct {
	orch   Orchestrator
	logger *logger.Logger
}

// NewHandler creates a new jobs handler
func NewHandler(orch Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		orch:   orch,
		logger: log,
	}
}

// List handles GET /api/jobs
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	infos, err := h.orch.GetJobs(ctx)
	if err != nil {
		h.logger.Error().Err(err).Str("action", "list_jobs_failed").Msg("Failed to list jobs")
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, api.Response{
		Success: true,
		Data:    infos,
		Meta: map[string]interface{}{
			"total": len(infos),
		},
	})
}

// Dispatch routes /api/jobs/{group}/{name} and /api/jobs/{group}/{name}/{action}
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		h.detail(w, r, parts[0], parts[1])
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "":
		h.action(w, r, parts[0], parts[1], parts[2])
	default:
		http.Error(w, "Expected /api/jobs/{group}/{name}[/{action}]", http.StatusBadRequest)
	}
}

func (h *Handler) detail(w http.ResponseWriter, r *http.Request, group, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	info, err := h.orch.GetJob(ctx, name, group)
	if err != nil {
		h.writeError(w, err, "get_job", name, group)
		return
	}

	h.writeJSON(w, api.Response{
		Success: true,
		Data:    info,
	})
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request, group, name, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	switch action {
	case "trigger":
		data, err := readOneShotData(r)
		if err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.orch.TriggerJob(ctx, name, group, data); err != nil {
			h.writeError(w, err, "trigger_job", name, group)
			return
		}
		h.writeJSON(w, api.Response{Success: true, Message: "Job triggered"})

	case "pause":
		if err := h.orch.PauseJob(ctx, name, group); err != nil {
			h.writeError(w, err, "pause_job", name, group)
			return
		}
		h.writeJSON(w, api.Response{Success: true, Message: "Job paused"})

	case "resume":
		if err := h.orch.ResumeJob(ctx, name, group); err != nil {
			h.writeError(w, err, "resume_job", name, group)
			return
		}
		h.writeJSON(w, api.Response{Success: true, Message: "Job resumed"})

	case "interrupt":
		interrupted, err := h.orch.InterruptJob(ctx, name, group)
		if err != nil {
			h.writeError(w, err, "interrupt_job", name, group)
			return
		}
		h.writeJSON(w, api.Response{
			Success: true,
			Data:    map[string]interface{}{"interrupted": interrupted},
			Message: "Interrupt requested",
		})

	default:
		http.Error(w, "Unknown action, expected trigger, pause, resume or interrupt", http.StatusBadRequest)
	}
}

// readOneShotData parses the optional JSON body carrying one-shot job data.
// An empty body means no data.
func readOneShotData(r *http.Request) (map[string]string, error) {
	var data map[string]string
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error, op, name, group string) {
	if errors.Is(err, jobsvc.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	h.logger.Error().
		Err(err).
		Str("job_name", name).
		Str("job_group", group).
		Str("action", op+"_failed").
		Msg("Job operation failed")
	http.Error(w, "Job operation failed", http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, response api.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
