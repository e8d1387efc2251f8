package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/memory"
	"github.com/ashita-ai/kensa/internal/service/workflow"
)

func (s *Server) registerTools() {
	// kensa_memory_search: semantic search over stored memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_memory_search",
			mcplib.WithDescription(`Search stored memories by semantic similarity.

WHEN TO USE: Before acting on a task, to recall what agents learned before,
and before kensa_memory_store, to avoid recording the same fact twice.

Results are the closest matches first. Each hit counts as an access and
protects the memory from retention pruning.`),
			mcplib.WithReadOnlyHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language description of what you are looking for"),
				mcplib.Required(),
			),
			mcplib.WithString("memory_type",
				mcplib.Description("Optional filter: episodic, semantic, procedural, or any custom type"),
			),
			mcplib.WithString("agent_type",
				mcplib.Description("Optional filter: only memories written by this agent type"),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(memory.MaxTopK),
				mcplib.DefaultNumber(memory.DefaultTopK),
			),
		),
		s.handleMemorySearch,
	)

	// kensa_memory_store: persist a memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_memory_store",
			mcplib.WithDescription(`Store a memory so future agents can recall it.

WHAT TO INCLUDE:
- content: the fact or observation, self-contained
- memory_type: episodic (what happened), semantic (what is true), procedural (how to do it)
- agent_type: who you are
- importance: 0.0-1.0; memories below 0.3 that are never read are pruned after 90 days

Set encrypt=true for content that contains personal data.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("content", mcplib.Description("The memory text"), mcplib.Required()),
			mcplib.WithString("memory_type",
				mcplib.Description("episodic, semantic, procedural, or any custom type"),
				mcplib.Required(),
			),
			mcplib.WithString("agent_type", mcplib.Description("Your agent type"), mcplib.Required()),
			mcplib.WithString("related_run_id", mcplib.Description("Optional run this memory came from")),
			mcplib.WithArray("tags",
				mcplib.Description("Optional labels"),
				mcplib.WithStringItems(),
			),
			mcplib.WithNumber("importance",
				mcplib.Description("Importance score 0.0-1.0"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(memory.DefaultImportance),
			),
			mcplib.WithBoolean("encrypt",
				mcplib.Description("Encrypt the content at rest"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleMemoryStore,
	)

	// kensa_memory_recent: newest memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_memory_recent",
			mcplib.WithDescription(`List the most recently stored memories, newest first.

WHEN TO USE: At the start of a session to catch up on recent activity.
Does not count as an access.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_type",
				mcplib.Description("Optional: only memories from this agent type"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(memory.MaxListLimit),
				mcplib.DefaultNumber(memory.DefaultListLimit),
			),
		),
		s.handleMemoryRecent,
	)

	// kensa_provider_lookup: synchronous multi-agent lookup.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_provider_lookup",
			mcplib.WithDescription(`Look up a healthcare provider by NPI number and geocode the practice address.

Runs synchronously and records a run tree (lookup, geocoding) plus an
episodic memory summarizing the provider. A failed lookup returns
success=false with the reason rather than a tool error.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("npi_number",
				mcplib.Description("10-digit National Provider Identifier"),
				mcplib.Required(),
			),
		),
		s.handleProviderLookup,
	)

	// kensa_workflow_start: asynchronous verification workflow.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_workflow_start",
			mcplib.WithDescription(`Start a provider verification workflow in the background.

Returns an execution_id immediately. Poll kensa_workflow_status until the
status is success or failed. Each step records evidence with its source.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("npi_number",
				mcplib.Description("10-digit National Provider Identifier"),
				mcplib.Required(),
			),
			mcplib.WithString("workflow_type",
				mcplib.Description("Workflow type"),
				mcplib.Enum(model.WorkflowProviderVerification),
				mcplib.DefaultString(model.WorkflowProviderVerification),
			),
		),
		s.handleWorkflowStart,
	)

	// kensa_workflow_status: poll an execution.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_workflow_status",
			mcplib.WithDescription("Get the status, progress, completed steps and results of a workflow execution."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("execution_id",
				mcplib.Description("The execution_id returned by kensa_workflow_start"),
				mcplib.Required(),
			),
		),
		s.handleWorkflowStatus,
	)
}

func (s *Server) handleMemorySearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	in := memory.RetrieveInput{
		Query:      request.GetString("query", ""),
		MemoryType: request.GetString("memory_type", ""),
		AgentType:  request.GetString("agent_type", ""),
		TopK:       request.GetInt("top_k", memory.DefaultTopK),
	}
	results, err := s.memories.Retrieve(ctx, in)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	s.searchTracker.Record(callerID(ctx), in.AgentType)

	out := make([]map[string]any, 0, len(results))
	for _, m := range results {
		out = append(out, compactMemory(m, s.memories.Decrypt(m)))
	}
	return jsonResult(map[string]any{"memories": out, "total": len(out)}), nil
}

func (s *Server) handleMemoryStore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	in := memory.StoreInput{
		Content:    request.GetString("content", ""),
		MemoryType: request.GetString("memory_type", ""),
		AgentType:  request.GetString("agent_type", ""),
		Tags:       request.GetStringSlice("tags", nil),
		Encrypt:    request.GetBool("encrypt", false),
	}
	if args := request.GetArguments(); args != nil {
		if _, ok := args["importance"]; ok {
			imp := request.GetFloat("importance", memory.DefaultImportance)
			in.Importance = &imp
		}
	}
	if raw := request.GetString("related_run_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("related_run_id must be a UUID"), nil
		}
		in.RelatedRunID = &id
	}

	m, err := s.memories.Store(ctx, in)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to store memory: %v", err)), nil
	}

	resp := map[string]any{
		"memory_id":        m.ID,
		"status":           "stored",
		"embedding_stored": m.EmbeddingStored,
	}
	caller := callerID(ctx)
	if caller != "" && !s.searchTracker.WasSearched(caller, in.AgentType) {
		return jsonResult(resp, "NOTE: No kensa_memory_search was made for agent_type=\""+in.AgentType+
			"\" before this store. Searching first avoids storing duplicates."), nil
	}
	return jsonResult(resp), nil
}

func (s *Server) handleMemoryRecent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	results, err := s.memories.Recent(ctx,
		request.GetString("agent_type", ""),
		request.GetInt("limit", memory.DefaultListLimit))
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}
	out := make([]map[string]any, 0, len(results))
	for _, m := range results {
		out = append(out, compactMemory(m, s.memories.Decrypt(m)))
	}
	return jsonResult(map[string]any{"memories": out, "total": len(out)}), nil
}

func (s *Server) handleProviderLookup(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	number := request.GetString("npi_number", "")
	result, err := s.orchestrator.ExecuteProviderLookup(ctx, number, ctxutil.UserID(ctx))
	if err != nil {
		return errorResult(fmt.Sprintf("provider lookup failed: %v", err)), nil
	}
	return jsonResult(result), nil
}

func (s *Server) handleWorkflowStart(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	exec, err := s.workflows.Start(ctx, workflow.StartInput{
		WorkflowType: request.GetString("workflow_type", ""),
		NPINumber:    request.GetString("npi_number", ""),
		UserID:       ctxutil.UserID(ctx),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start workflow: %v", err)), nil
	}
	return jsonResult(model.RunWorkflowResponse{ExecutionID: exec.ID, Status: exec.Status}), nil
}

func (s *Server) handleWorkflowStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("execution_id", ""))
	if err != nil {
		return errorResult("execution_id must be a UUID"), nil
	}
	exec, err := s.workflows.Status(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return errorResult("workflow execution not found"), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("status lookup failed: %v", err)), nil
	}
	return jsonResult(compactWorkflow(exec)), nil
}

// callerID is the authenticated subject, or "" for unauthenticated contexts.
func callerID(ctx context.Context) string {
	if c := ctxutil.ClaimsFromContext(ctx); c != nil {
		return c.Subject
	}
	return ""
}
