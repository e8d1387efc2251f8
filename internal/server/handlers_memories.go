package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/memory"
)

// HandleStoreMemory handles POST /v1/memories.
func (h *Handlers) HandleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var req model.StoreMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	m, err := h.memories.Store(r.Context(), memory.StoreInput{
		Content:      req.Content,
		MemoryType:   req.MemoryType,
		AgentType:    req.AgentType,
		RelatedRunID: req.RelatedRunID,
		Tags:         req.Tags,
		Importance:   req.ImportanceScore,
		Encrypt:      req.Encrypt,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to store memory", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleSearchMemories handles POST /v1/memories/search.
func (h *Handlers) HandleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var req model.SearchMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	results, err := h.memories.Retrieve(r.Context(), memory.RetrieveInput{
		Query:      req.Query,
		MemoryType: req.MemoryType,
		AgentType:  req.AgentType,
		TopK:       req.TopK,
	})
	if err != nil {
		h.writeServiceError(w, r, "memory search failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"memories": results,
		"count":    len(results),
	})
}

// HandleRecentMemories handles GET /v1/memories/recent?agent_type=&limit=.
func (h *Handlers) HandleRecentMemories(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", memory.DefaultListLimit)
	if err != nil {
		h.writeServiceError(w, r, "invalid query", err)
		return
	}
	out, err := h.memories.Recent(r.Context(), r.URL.Query().Get("agent_type"), limit)
	if err != nil {
		h.writeServiceError(w, r, "failed to list memories", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"memories": out, "count": len(out)})
}

// HandleImportantMemories handles
// GET /v1/memories/important?agent_type=&min_importance=&limit=.
func (h *Handlers) HandleImportantMemories(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", memory.DefaultListLimit)
	if err != nil {
		h.writeServiceError(w, r, "invalid query", err)
		return
	}
	minImportance, err := queryFloat(r, "min_importance")
	if err != nil {
		h.writeServiceError(w, r, "invalid query", err)
		return
	}
	out, err := h.memories.Important(r.Context(), r.URL.Query().Get("agent_type"), minImportance, limit)
	if err != nil {
		h.writeServiceError(w, r, "failed to list memories", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"memories": out, "count": len(out)})
}

// HandleMemoryContent handles GET /v1/memories/{memory_id}/content.
func (h *Handlers) HandleMemoryContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "memory_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	content, err := h.memories.Content(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "memory", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.MemoryContentResponse{MemoryID: id, Content: content})
}

// HandlePruneMemories handles POST /v1/memories/prune (admin only). Omitted
// fields take the default policy's values.
func (h *Handlers) HandlePruneMemories(w http.ResponseWriter, r *http.Request) {
	var req model.PruneMemoryRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	policy := model.DefaultPrunePolicy()
	if req.MaxAgeDays != 0 {
		policy.MaxAge = time.Duration(req.MaxAgeDays) * 24 * time.Hour
	}
	if req.MinImportance != nil {
		policy.MinImportance = *req.MinImportance
	}
	if req.MinAccessCount != nil {
		policy.MinAccessCount = *req.MinAccessCount
	}

	deleted, err := h.memories.Prune(r.Context(), policy)
	if err != nil {
		h.writeServiceError(w, r, "failed to prune memories", err)
		return
	}
	h.logger.Info("memories pruned", "deleted", deleted, "max_age", policy.MaxAge,
		"min_importance", policy.MinImportance, "min_access_count", policy.MinAccessCount)
	writeJSON(w, r, http.StatusOK, model.PruneMemoryResponse{Deleted: deleted})
}
