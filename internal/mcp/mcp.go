// Package mcp implements the Model Context Protocol server for Kensa.
//
// The MCP server exposes memory, provider lookup and workflow operations as
// MCP tools and resources over the same service layer as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/memory"
	"github.com/ashita-ai/kensa/internal/service/workflow"
)

// Memories is the memory surface the tools use. *memory.Store satisfies it.
type Memories interface {
	Store(ctx context.Context, in memory.StoreInput) (model.Memory, error)
	Retrieve(ctx context.Context, in memory.RetrieveInput) ([]model.Memory, error)
	Recent(ctx context.Context, agentType string, limit int) ([]model.Memory, error)
	Important(ctx context.Context, agentType string, minImportance *float64, limit int) ([]model.Memory, error)
	Decrypt(m model.Memory) string
}

// ProviderLookup runs the multi-agent provider lookup. *orchestrator.Orchestrator satisfies it.
type ProviderLookup interface {
	ExecuteProviderLookup(ctx context.Context, number string, userID *string) (model.ProviderLookupResult, error)
}

// Workflows starts and reads workflow executions. *workflow.Executor satisfies it.
type Workflows interface {
	Start(ctx context.Context, in workflow.StartInput) (model.WorkflowExecution, error)
	Status(ctx context.Context, id uuid.UUID) (model.WorkflowExecution, error)
	Evidence(ctx context.Context, id uuid.UUID) (model.WorkflowEvidenceResponse, error)
}

// Services bundles the service layer behind the tools.
type Services struct {
	Memories     Memories
	Orchestrator ProviderLookup
	Workflows    Workflows
}

// Server wraps the MCP server with Kensa's service layer.
type Server struct {
	mcpServer     *mcpserver.MCPServer
	memories      Memories
	orchestrator  ProviderLookup
	workflows     Workflows
	searchTracker *searchTracker
	logger        *slog.Logger
}

// New creates and configures a new MCP server with all resources, prompts
// and tools.
func New(svc Services, logger *slog.Logger, version string) *Server {
	s := &Server{
		memories:      svc.Memories,
		orchestrator:  svc.Orchestrator,
		workflows:     svc.Workflows,
		searchTracker: newSearchTracker(30 * time.Minute),
		logger:        logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kensa",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

const serverInstructions = `Kensa stores agent memories and verifies healthcare providers by NPI number.
Search memories with kensa_memory_search before storing new ones to avoid duplicates.
Use kensa_provider_lookup for a quick synchronous lookup, or kensa_workflow_start for the
audited verification pipeline and poll it with kensa_workflow_status.`

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any, notes ...string) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	contents := []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}}
	for _, n := range notes {
		contents = append(contents, mcplib.TextContent{Type: "text", Text: n})
	}
	return &mcplib.CallToolResult{Content: contents}
}
