// Package mcpserver exposes the violation review API as MCP tools so an
// assistant can triage flags on a reviewer's behalf.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with every review tool registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("attendguard", version)
	h := NewHandlers(NewReviewClient(cfg))

	s.AddTool(ToolListViolations, h.HandleListViolations)
	s.AddTool(ToolGetViolation, h.HandleGetViolation)
	s.AddTool(ToolViolationStats, h.HandleViolationStats)
	s.AddTool(ToolReviewViolation, h.HandleReviewViolation)

	return s
}
