package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/hmr/internal/plugin"
	"github.com/zot/hmr/internal/server"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_clients",
		mcp.WithDescription("List the HMR clients connected to the dev server"),
	), s.listClients)

	s.mcp.AddTool(mcp.NewTool("list_modules",
		mcp.WithDescription("List served modules with their imports, importers and accepted dependencies"),
	), s.listModules)

	s.mcp.AddTool(mcp.NewTool("trigger_update",
		mcp.WithDescription("Treat a module as changed and push the resulting update to every client"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Module path, e.g. /main.lua")),
	), s.triggerUpdate)

	s.mcp.AddTool(mcp.NewTool("plugin_order",
		mcp.WithDescription("Show the plugin pipeline, or the plugins running one hook in hook order"),
		mcp.WithString("hook", mcp.Description("resolveId, load, transform or handleHotUpdate")),
	), s.pluginOrder)
}

func (s *Server) listClients(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.dev.Hub().Clients())
}

func (s *Server) listModules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(server.GraphEntries(s.dev.Graph()))
}

func (s *Server) triggerUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.config.Log(1, "[mcp] trigger_update %s", path)
	result, err := s.dev.HandleFileChange(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.dev.Flush()
	return jsonResult(result)
}

func (s *Server) pluginOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	container := s.dev.Container()
	hook := req.GetString("hook", "")
	if hook == "" {
		return jsonResult(plugin.Names(container.Plugins()))
	}
	return jsonResult(plugin.Names(container.GetSortedPluginsByHook(hook)))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	text, err := toJSON(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}
