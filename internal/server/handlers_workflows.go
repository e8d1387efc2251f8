package server

import (
	"net/http"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/integrations/npi"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/workflow"
)

// HandleStartWorkflow handles POST /v1/workflows. The execution runs in the
// background; the response only confirms it was scheduled.
func (h *Handlers) HandleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.RunWorkflowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	exec, err := h.workflows.Start(r.Context(), workflow.StartInput{
		WorkflowType: req.WorkflowType,
		NPINumber:    req.NPINumber,
		UserID:       ctxutil.UserID(r.Context()),
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to start workflow", err)
		return
	}
	w.Header().Set("Location", "/v1/workflows/"+exec.ID.String())
	writeJSON(w, r, http.StatusAccepted, model.RunWorkflowResponse{
		ExecutionID: exec.ID,
		Status:      exec.Status,
	})
}

// HandleWorkflowStatus handles GET /v1/workflows/{execution_id}.
func (h *Handlers) HandleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "execution_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	exec, err := h.workflows.Status(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "workflow execution", err)
		return
	}
	writeJSON(w, r, http.StatusOK, exec)
}

// HandleWorkflowEvidence handles GET /v1/workflows/{execution_id}/evidence.
func (h *Handlers) HandleWorkflowEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "execution_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ev, err := h.workflows.Evidence(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "workflow execution", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ev)
}

// HandleGetProvider handles GET /v1/providers/{npi}.
func (h *Handlers) HandleGetProvider(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("npi")
	if err := npi.ValidateNumber(number); err != nil {
		h.writeServiceError(w, r, "invalid npi", err)
		return
	}
	p, err := h.store.GetProviderByNPI(r.Context(), number)
	if err != nil {
		h.writeServiceError(w, r, "provider", err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}
