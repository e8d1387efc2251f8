package mcp

import (
	"github.com/ashita-ai/kensa/internal/model"
)

const maxCompactContent = 500

// compactMemory returns the fields an agent acts on. content is the
// plaintext (already decrypted by the caller) truncated to maxCompactContent
// runes; bookkeeping such as the embedding status is dropped.
func compactMemory(m model.Memory, content string) map[string]any {
	out := map[string]any{
		"id":               m.ID,
		"memory_type":      m.MemoryType,
		"agent_type":       m.AgentType,
		"content":          truncate(content, maxCompactContent),
		"importance_score": m.ImportanceScore,
		"access_count":     m.AccessCount,
		"created_at":       m.CreatedAt,
	}
	if len(m.Tags) > 0 {
		out["tags"] = m.Tags
	}
	if m.RelatedRunID != nil {
		out["related_run_id"] = m.RelatedRunID
	}
	if m.Encrypted() {
		out["encrypted"] = true
	}
	return out
}

// compactWorkflow drops the evidence trail, which is available from the
// workflow evidence resource, and keeps the polling fields.
func compactWorkflow(we model.WorkflowExecution) map[string]any {
	out := map[string]any{
		"execution_id":    we.ID,
		"workflow_type":   we.WorkflowType,
		"status":          we.Status,
		"progress":        we.ProgressPercentage,
		"steps_completed": we.StepsCompleted,
		"evidence_count":  len(we.Evidence),
		"started_at":      we.StartedAt,
	}
	if we.CurrentStep != nil {
		out["current_step"] = *we.CurrentStep
	}
	if we.CompletedAt != nil {
		out["completed_at"] = we.CompletedAt
	}
	if we.Results != nil {
		out["results"] = we.Results
	}
	if we.ErrorMessage != nil {
		out["error_message"] = *we.ErrorMessage
	}
	return out
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
