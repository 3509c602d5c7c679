// Package mcp exposes the dev server to MCP clients over stdio: connected
// clients, the module graph, the plugin pipeline and manual updates.
package mcp

import (
	"encoding/json"
	"fmt"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/zot/hmr/internal/config"
	"github.com/zot/hmr/internal/server"
)

// Server is the MCP inspector of a dev server.
type Server struct {
	config *config.Config
	dev    *server.Server
	mcp    *mcpserver.MCPServer
}

// NewServer creates the inspector and registers its tools and resources.
func NewServer(cfg *config.Config, dev *server.Server, version string) *Server {
	s := &Server{
		config: cfg,
		dev:    dev,
		mcp: mcpserver.NewMCPServer("hmr", version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio serves MCP on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.config.Log(1, "[mcp] serving on stdio")
	if err := mcpserver.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
