package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/service/memory"
)

const (
	uriRecentMemories    = "kensa://memories/recent"
	uriImportantMemories = "kensa://memories/important"
	uriWorkflowPrefix    = "kensa://workflows/"
	uriEvidenceSuffix    = "/evidence"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriRecentMemories,
			"Recent Memories",
			mcplib.WithResourceDescription("The most recently stored memories across all agents"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentMemoriesResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriImportantMemories,
			"Important Memories",
			mcplib.WithResourceDescription("Memories with importance of at least 0.7, most important first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleImportantMemoriesResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriWorkflowPrefix+"{id}"+uriEvidenceSuffix,
			"Workflow Evidence",
			mcplib.WithTemplateDescription("Evidence trail recorded by a workflow execution"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleWorkflowEvidenceResource,
	)
}

func (s *Server) handleRecentMemoriesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ms, err := s.memories.Recent(ctx, "", 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent memories: %w", err)
	}
	out := make([]map[string]any, 0, len(ms))
	for _, m := range ms {
		out = append(out, compactMemory(m, s.memories.Decrypt(m)))
	}
	return jsonResource(request.Params.URI, out)
}

func (s *Server) handleImportantMemoriesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ms, err := s.memories.Important(ctx, "", nil, memory.DefaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("mcp: important memories: %w", err)
	}
	out := make([]map[string]any, 0, len(ms))
	for _, m := range ms {
		out = append(out, compactMemory(m, s.memories.Decrypt(m)))
	}
	return jsonResource(request.Params.URI, out)
}

func (s *Server) handleWorkflowEvidenceResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, uriWorkflowPrefix), uriEvidenceSuffix)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid workflow evidence URI: %s", uri)
	}
	ev, err := s.workflows.Evidence(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: workflow evidence: %w", err)
	}
	return jsonResource(uri, ev)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
