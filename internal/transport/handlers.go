package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/leadline/flowline/internal/store"
	"github.com/leadline/flowline/model"
)

// EngineAPI is the surface the handlers need from the engine.
type EngineAPI interface {
	Trigger(ctx context.Context, req model.TriggerRequest) (model.TriggerResponse, error)
	Run(ctx context.Context) (model.RunResponse, error)
	GetExecutionDetail(ctx context.Context, execID string) (model.ExecutionDetail, error)
	ListExecutions(ctx context.Context, filters store.ExecutionFilters) ([]model.Execution, error)
}

// handleTrigger accepts a business-event notification and creates executions
// for every matching flow.
func handleTrigger(engine EngineAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		resp, err := engine.Trigger(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// handleRun performs one executor pass over the due executions. The body is
// ignored; external cron posts an empty object.
func handleRun(engine EngineAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := engine.Run(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// handleGetExecution returns one execution with its full audit trail.
func handleGetExecution(engine EngineAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		execID := chi.URLParam(r, "executionId")

		detail, err := engine.GetExecutionDetail(r.Context(), execID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

type listExecutionsResponse struct {
	Executions []model.Execution `json:"executions"`
}

// handleListExecutions returns execution summaries filtered by query
// parameters.
func handleListExecutions(engine EngineAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := store.ExecutionFilters{
			FlowID:     q.Get("flow_id"),
			EntityType: q.Get("entity_type"),
			EntityID:   q.Get("entity_id"),
			Status:     q.Get("status"),
		}
		if raw := q.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				WriteError(w, model.NewBadRequestError("limit must be a positive integer"))
				return
			}
			filters.Limit = limit
		}
		if raw := q.Get("offset"); raw != "" {
			offset, err := strconv.Atoi(raw)
			if err != nil || offset < 0 {
				WriteError(w, model.NewBadRequestError("offset must be a non-negative integer"))
				return
			}
			filters.Offset = offset
		}

		execs, err := engine.ListExecutions(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, listExecutionsResponse{Executions: execs})
	}
}
