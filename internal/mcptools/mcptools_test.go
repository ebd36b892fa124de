package mcptools

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/kenaz/internal/engine"
	"github.com/starford/kenaz/internal/graphstore"
	"github.com/starford/kenaz/internal/registry"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Load(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("registry load: %v", err)
	}
	eng := engine.New(dir, reg, nil, nil, graphstore.SnapshotTriggers{}, nil)
	t.Cleanup(eng.Close)
	return New(eng)
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error
	switch name {
	case "list_graphs":
		result, err = srv.listGraphs(ctx, req)
	case "get_node":
		result, err = srv.getNode(ctx, req)
	case "sync_status":
		result, err = srv.syncStatus(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestListGraphsReflectsRegistration(t *testing.T) {
	srv := testServer(t)
	if _, err := srv.eng.RegisterGraph(registry.Selector{Name: "vault-a", Path: "/tmp/vault-a"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r := callTool(t, srv, "list_graphs", map[string]interface{}{})
	text := resultText(r)
	if text == "" {
		t.Fatal("expected non-empty graph list")
	}
}

func TestGetNodeFindsIngestedBlock(t *testing.T) {
	srv := testServer(t)
	rec, err := srv.eng.RegisterGraph(registry.Selector{Name: "vault-b"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := srv.eng.IngestBatch(registry.Selector{ID: rec.ID}, []engine.Item{
		{Kind: engine.ItemBlock, ID: "b1", Content: "hello", Page: "home"},
	}, engine.OriginRemote); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	r := callTool(t, srv, "get_node", map[string]interface{}{"graph_id": rec.ID, "node_id": "b1"})
	if r.IsError {
		t.Fatalf("unexpected error result: %v", resultText(r))
	}
	if resultText(r) == "" {
		t.Fatal("expected node json")
	}
}

func TestGetNodeMissingReturnsText(t *testing.T) {
	srv := testServer(t)
	rec, err := srv.eng.RegisterGraph(registry.Selector{Name: "vault-c"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r := callTool(t, srv, "get_node", map[string]interface{}{"graph_id": rec.ID, "node_id": "missing"})
	if r.IsError {
		t.Fatalf("unexpected error result")
	}
	if resultText(r) == "" {
		t.Fatal("expected a not-found message")
	}
}

func TestSyncStatusReportsCounts(t *testing.T) {
	srv := testServer(t)
	rec, err := srv.eng.RegisterGraph(registry.Selector{Name: "vault-d"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := srv.eng.IngestBatch(registry.Selector{ID: rec.ID}, []engine.Item{
		{Kind: engine.ItemPage, ID: "Alpha"},
	}, engine.OriginRemote); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	r := callTool(t, srv, "sync_status", map[string]interface{}{"graph_id": rec.ID})
	if r.IsError {
		t.Fatalf("unexpected error result")
	}
	if resultText(r) == "" {
		t.Fatal("expected sync status json")
	}
}
