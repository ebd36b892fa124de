// Package mcptools exposes a read-only Model Context Protocol tool
// surface over internal/engine for an AI-agent collaborator: listing
// registered graphs, inspecting a single node, and reading sync status.
// It never mutates the graph; ingestion stays the HTTP surface's job.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kenaz/internal/engine"
	"github.com/starford/kenaz/internal/registry"
)

// Server wraps the MCP server with the engine's read-only tools.
type Server struct {
	mcp *server.MCPServer
	eng *engine.Engine
}

// New creates an MCP server with list_graphs, get_node, and sync_status
// registered.
func New(eng *engine.Engine) *Server {
	s := &Server{eng: eng}

	s.mcp = server.NewMCPServer(
		"kenaz-engine",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_graphs",
		mcp.WithDescription("List every registered graph (id, name, path, editor-config reconciliation status)."),
	), s.listGraphs)

	s.mcp.AddTool(mcp.NewTool("get_node",
		mcp.WithDescription("Look up a single page or block node by its external id within a graph."),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("Graph id, as returned by list_graphs")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Page name or block id to look up")),
	), s.getNode)

	s.mcp.AddTool(mcp.NewTool("sync_status",
		mcp.WithDescription("Report a graph's last incremental/full sync timestamps and current node/edge counts."),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("Graph id, as returned by list_graphs")),
	), s.syncStatus)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) listGraphs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recs := s.eng.ListGraphs()
	out, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	kind, page, block, ok, err := s.eng.GetNode(registry.Selector{ID: graphID}, nodeID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf("no node %q in graph %q", nodeID, graphID)), nil
	}

	result := struct {
		Kind  string      `json:"kind"`
		Page  interface{} `json:"page,omitempty"`
		Block interface{} `json:"block,omitempty"`
	}{Kind: string(kind), Page: page, Block: block}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) syncStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := s.eng.SyncStatus(registry.Selector{ID: graphID})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
