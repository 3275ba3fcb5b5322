package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Tool is the interface for all tools exposed over MCP
type Tool interface {
	Name() string
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}
