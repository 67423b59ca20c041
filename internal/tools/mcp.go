package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with every registered tool exposed.
// Each tool call returns the full response envelope as JSON text, so MCP
// callers see the same structure HTTP callers do.
func NewMCPServer(registry *Registry) *server.MCPServer {
	s := server.NewMCPServer(
		"duplex",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("duplex — tool server for platform jobs, record queries, and human feedback."),
		server.WithRecovery(),
	)

	for _, h := range registry.Handlers() {
		s.AddTool(mcpTool(h), mcpHandler(registry, h.Name))
	}
	return s
}

func mcpTool(h *Handler) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(h.Description)}
	for _, p := range h.Params {
		var popts []mcp.PropertyOption
		if p.Description != "" {
			popts = append(popts, mcp.Description(p.Description))
		}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		switch p.Type {
		case TypeInteger, TypeNumber:
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		case TypeBoolean:
			opts = append(opts, mcp.WithBoolean(p.Name, popts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	return mcp.NewTool(h.Name, opts...)
}

func mcpHandler(registry *Registry, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp := registry.Dispatch(ctx, Request{
			Tool:   name,
			Params: req.GetArguments(),
		})

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		if !resp.Success {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
