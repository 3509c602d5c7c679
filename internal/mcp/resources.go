package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/hmr/internal/server"
)

// GraphURI is the resource holding the module graph.
const GraphURI = "hmr://graph"

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(GraphURI, "Module Graph",
		mcp.WithResourceDescription("Served modules and their import and accept edges"),
		mcp.WithMIMEType("application/json"),
	), s.readGraph)
}

func (s *Server) readGraph(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	text, err := toJSON(server.GraphEntries(s.dev.Graph()))
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: GraphURI, MIMEType: "application/json", Text: text},
	}, nil
}
