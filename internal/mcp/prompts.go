package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("verify-provider",
			mcplib.WithPromptDescription("Verify a healthcare provider by NPI number with an auditable evidence trail"),
			mcplib.WithArgument("npi_number",
				mcplib.ArgumentDescription("10-digit National Provider Identifier"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleVerifyProviderPrompt,
	)
}

func (s *Server) handleVerifyProviderPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	number := request.Params.Arguments["npi_number"]
	if number == "" {
		return nil, fmt.Errorf("npi_number argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Verify provider %s", number),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Verify the healthcare provider with NPI %[1]s:

1. CALL kensa_memory_search with query="provider %[1]s" to see what is already known.

2. CALL kensa_workflow_start with npi_number="%[1]s".

3. POLL kensa_workflow_status with the returned execution_id until status is
   success or failed.

4. READ the resource kensa://workflows/{execution_id}/evidence and report each
   step's source and findings. A geocoding error does not invalidate the
   verification; an npi_lookup error does.`, number),
				},
			},
		},
	}, nil
}
