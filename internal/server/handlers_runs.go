package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/feedback"
	"github.com/ashita-ai/kensa/internal/service/runs"
)

// HandleCreateRun handles POST /v1/runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("kensa.agent_type", req.AgentType))

	run, err := h.runs.Start(r.Context(), runs.StartInput{
		AgentType:       req.AgentType,
		TaskDescription: req.TaskDescription,
		InputData:       req.InputData,
		ParentRunID:     req.ParentRunID,
		UserID:          ctxutil.UserID(r.Context()),
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to create run", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleCompleteRun handles POST /v1/runs/{run_id}/complete.
func (h *Handlers) HandleCompleteRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CompleteRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.runs.Complete(r.Context(), runID, req.Status, req.OutputData, req.ErrorMessage)
	if err != nil {
		h.writeServiceError(w, r, "failed to complete run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}. The response carries the run
// and its direct children.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hierarchy, err := h.runs.Hierarchy(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, "run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, hierarchy)
}

// HandleProviderLookup handles POST /v1/agents/provider-lookup. A task that
// ran but failed (unknown NPI, registry outage) is reported in the body with
// success=false; only malformed input is an HTTP error.
func (h *Handlers) HandleProviderLookup(w http.ResponseWriter, r *http.Request) {
	var req model.ProviderLookupRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, err := h.orchestrator.ExecuteProviderLookup(r.Context(), req.NPINumber, ctxutil.UserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "provider lookup failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleFeedback handles POST /v1/feedback.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	signal, err := h.feedback.Apply(r.Context(), feedback.ApplyInput{
		RunID:        req.RunID,
		FeedbackType: req.FeedbackType,
		Value:        req.FeedbackValue,
		Text:         req.FeedbackText,
		UserID:       ctxutil.UserID(r.Context()),
	})
	if err != nil {
		h.writeServiceError(w, r, "run", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, signal)
}
