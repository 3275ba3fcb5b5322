package server

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/continuum/pkg/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

const instructions = "Call resolve_turn with every user message before answering it and use the returned resolvedQuery as the question. Call record_answer with your reply afterwards so later turns can refer back to it."

// NewMCP builds the MCP server with the conversation tools registered.
func NewMCP(conv tools.Conversations) *server.MCPServer {
	s := server.NewMCPServer(
		"continuum",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	m := tools.NewToolManager()
	tools.RegisterConversationTools(m, conv)
	m.Attach(s)
	return s
}

// ServeMCP serves s over stdin and stdout until the input closes.
func ServeMCP(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
