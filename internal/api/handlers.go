package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flexinfer/ampliconflow/internal/dataflow"
	"github.com/flexinfer/ampliconflow/internal/runstore"
	"github.com/flexinfer/ampliconflow/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store          runstore.RunStore
	artifacts      *dataflow.Service
	logger         *slog.Logger
	allowedOrigins []string
}

// NewHandlers creates a new Handlers instance. artifacts may be nil when
// publishing is not configured.
func NewHandlers(store runstore.RunStore, artifacts *dataflow.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		artifacts: artifacts,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the run store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Runs ---

// ListRuns handles GET /api/v1/runs?status=<status>&limit=<n>
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	status := types.RunStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.respondError(w, r, http.StatusBadRequest, "invalid limit", errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	metas, err := h.store.ListRuns(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	runs := make([]*types.RunMeta, 0, len(metas))
	for _, m := range metas {
		if status != "" && m.Status != status {
			continue
		}
		runs = append(runs, m)
		if limit > 0 && len(runs) == limit {
			break
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// ListRecords handles GET /api/v1/runs/{id}/records
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	records, err := h.store.ListRecords(r.Context(), runID)
	if err != nil {
		h.respondStoreError(w, r, "failed to list records", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// GetResult handles GET /api/v1/runs/{id}/result. It is only available once
// the run has finished.
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	if !run.Status.IsTerminal() {
		h.respondError(w, r, http.StatusConflict, "run has not finished", errors.New("run status is "+string(run.Status)))
		return
	}
	records, err := h.store.ListRecords(r.Context(), run.ID)
	if err != nil {
		h.respondStoreError(w, r, "failed to list records", err)
		return
	}
	h.respondJSON(w, http.StatusOK, types.NewPipelineResult(run.ID, records, run.Failure))
}

// ListArtifacts handles GET /api/v1/runs/{id}/artifacts
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "publishing not configured", errors.New("no artifact backend"))
		return
	}
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	refs, err := h.artifacts.ListRunArtifacts(r.Context(), run.ID)
	if err != nil {
		h.respondError(w, r, http.StatusBadGateway, "failed to list artifacts", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"artifacts": refs})
}

func (h *Handlers) lookupRun(w http.ResponseWriter, r *http.Request) (*types.Run, bool) {
	run, err := h.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondStoreError(w, r, "failed to get run", err)
		return nil, false
	}
	return run, true
}

func (h *Handlers) respondStoreError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if errors.Is(err, runstore.ErrRunNotFound) {
		h.respondError(w, r, http.StatusNotFound, "run not found", err)
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, message, err)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status)
	}
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
