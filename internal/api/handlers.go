package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/db"
	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/models"
	"github.com/bobarin/splitrender/internal/storage"
)

// Orchestrator is the part of worker.Orchestrator the API drives.
type Orchestrator interface {
	Plan(req *models.RenderRequest) (models.RenderRequest, []models.ChunkSpec, int, error)
	Submit(ctx context.Context, req *models.RenderRequest) (uuid.UUID, error)
}

// RunStore reads run history. It is optional.
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	GetLatestRunByName(ctx context.Context, baseOutputName string) (*models.Run, error)
	GetRunChunks(ctx context.Context, runID uuid.UUID) ([]models.RunChunk, error)
}

type Handler struct {
	orch    Orchestrator
	storage storage.BlobStore
	runs    RunStore
	logger  hclog.Logger
}

// NewHandler builds the API handlers. runs may be nil when no database is configured.
func NewHandler(orch Orchestrator, stor storage.BlobStore, runs RunStore, logger hclog.Logger) *Handler {
	return &Handler{
		orch:    orch,
		storage: stor,
		runs:    runs,
		logger:  logging.OrDefault(logger).Named("api"),
	}
}

// Render handles POST /render. The request is planned synchronously so an
// invalid range is reported before anything is dispatched; the render itself
// runs in the background.
func (h *Handler) Render(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRenderRequest(w, r)
	if !ok {
		return
	}

	runID, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("render accepted", "run_id", runID, "output", req.OutputFileName)
	respondJSON(w, http.StatusAccepted, models.RenderResponse{
		Status:  "accepted",
		Message: fmt.Sprintf("Render of %s accepted", req.OutputFileName),
		RunID:   &runID,
	})
}

// PlanRender handles POST /render/plan: the chunk plan for a request, with no side effects.
func (h *Handler) PlanRender(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRenderRequest(w, r)
	if !ok {
		return
	}

	accepted, chunks, total, err := h.orch.Plan(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, models.PlanResponse{
		OutputFileName: accepted.OutputFileName,
		TotalFrames:    total,
		ChunkSize:      accepted.ChunkSize,
		Chunks:         chunks,
	})
}

// RenderStatus handles GET /render/{name}. The final object existing in
// storage is the completion signal; the run store adds progress when configured.
func (h *Handler) RenderStatus(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if name == "" {
		respondError(w, http.StatusBadRequest, "Output name is required")
		return
	}

	exists, info, err := h.storage.Exists(r.Context(), name)
	if err != nil {
		h.logger.Error("status check failed", "output", name, "error", err)
		respondError(w, http.StatusBadGateway, "Failed to check storage")
		return
	}

	resp := models.RenderStatusResponse{Name: name, Status: "pending"}
	if exists {
		resp.Status = "completed"
		resp.Size = info.Size
		resp.URL = h.publicURL(name)
	}

	if h.runs != nil {
		run, err := h.runs.GetLatestRunByName(r.Context(), name)
		switch {
		case errors.Is(err, db.ErrRunNotFound):
		case err != nil:
			h.logger.Warn("failed to load run", "output", name, "error", err)
		default:
			resp.Run = run
			if !exists {
				resp.Status = string(run.State)
			}
			chunks, err := h.runs.GetRunChunks(r.Context(), run.ID)
			if err != nil {
				h.logger.Warn("failed to load run chunks", "run_id", run.ID, "error", err)
			}
			resp.Chunks = chunks
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetRun handles GET /runs/{id}: one recorded run and its chunks.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		respondError(w, http.StatusNotFound, "Run history is not enabled")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid run ID")
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		respondError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load run", "run_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load run")
		return
	}

	chunks, err := h.runs.GetRunChunks(r.Context(), run.ID)
	if err != nil {
		h.logger.Warn("failed to load run chunks", "run_id", run.ID, "error", err)
	}

	resp := models.RenderStatusResponse{
		Name:   run.BaseOutputName,
		Status: string(run.State),
		Run:    run,
		Chunks: chunks,
	}
	if run.State == models.RunStateDone {
		resp.URL = h.publicURL(run.BaseOutputName)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) publicURL(name string) string {
	if u, ok := h.storage.(storage.PublicURLer); ok {
		return u.GetPublicURL(name)
	}
	return ""
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRenderRequest(w http.ResponseWriter, r *http.Request) (*models.RenderRequest, bool) {
	var req models.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return nil, false
	}
	return &req, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.RenderResponse{Status: "error", Message: message})
}
