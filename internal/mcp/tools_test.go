package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/hmr/internal/config"
	"github.com/zot/hmr/internal/plugin"
	"github.com/zot/hmr/internal/server"
)

func newInspector(t *testing.T) (*Server, *server.Server) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.lua"), []byte(`hot.accept() return {}`), 0o644))
	cfg := config.DefaultConfig()
	cfg.Server.Root = root
	dev := server.New(cfg)
	t.Cleanup(func() { dev.Shutdown(context.Background()) })
	return NewServer(cfg, dev, "test"), dev
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func TestPluginOrderTool(t *testing.T) {
	s, _ := newInspector(t)

	res, err := s.pluginOrder(context.Background(), call(nil))
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &names))
	assert.Equal(t, []string{
		"hmr:alias", "hmr:resolve", "hmr:json", "hmr:define", "hmr:dynamic-import", "hmr:import-analysis",
	}, names)

	res, err = s.pluginOrder(context.Background(), call(map[string]any{"hook": plugin.HookLoad}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &names))
	assert.Equal(t, []string{"hmr:resolve"}, names)
}

func TestTriggerUpdateTool(t *testing.T) {
	s, dev := newInspector(t)
	ctx := context.Background()

	_, err := dev.Container().Request(ctx, "/main.lua")
	require.NoError(t, err)

	res, err := s.triggerUpdate(ctx, call(map[string]any{"path": "/main.lua"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var result server.ChangeResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	require.Len(t, result.Updates, 1)
	assert.Equal(t, "/main.lua", result.Updates[0].AcceptedPath)

	res, err = s.triggerUpdate(ctx, call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListTools(t *testing.T) {
	s, dev := newInspector(t)
	ctx := context.Background()
	_, err := dev.Container().Request(ctx, "/main.lua")
	require.NoError(t, err)

	res, err := s.listModules(ctx, call(nil))
	require.NoError(t, err)
	var entries []server.GraphEntry
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].SelfAccepting)

	res, err = s.listClients(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", resultText(t, res))

	contents, err := s.readGraph(ctx, mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
}
