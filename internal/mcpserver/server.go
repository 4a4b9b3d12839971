package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all sessionguard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("sessionguard", "0.1.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolScoreSession, h.HandleScoreSession)
	s.AddTool(ToolExplainFeatures, h.HandleExplainFeatures)
	s.AddTool(ToolGetWeights, h.HandleGetWeights)
	s.AddTool(ToolListRules, h.HandleListRules)
	s.AddTool(ToolSessionHistory, h.HandleSessionHistory)

	return s
}
