package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all fraudgate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("fraudgate", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCheckTransaction, h.HandleCheckTransaction)
	s.AddTool(ToolGetCheck, h.HandleGetCheck)
	s.AddTool(ToolAccountHistory, h.HandleAccountHistory)
	s.AddTool(ToolBlocklistAdd, h.HandleBlocklistAdd)
	s.AddTool(ToolBlocklistRemove, h.HandleBlocklistRemove)

	return s
}
