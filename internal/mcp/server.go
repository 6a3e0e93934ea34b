// Package mcp speaks the Model Context Protocol in both directions: Client
// calls tools hosted on external MCP servers on behalf of agents, and Server
// exposes a project's knowledge base to MCP-compatible agents.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsunagi/internal/ctxutil"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// Retriever runs a retrieval query over a project's data sources.
type Retriever interface {
	Retrieve(ctx context.Context, projectID string, settings model.RAGSettings, query string) ([]model.Chunk, error)
}

// Server wraps the MCP server with the project knowledge base.
type Server struct {
	mcpServer *mcpserver.MCPServer
	retriever Retriever
	logger    *slog.Logger
}

// NewServer creates an MCP server exposing the search tool.
func NewServer(retriever Retriever, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{retriever: retriever, logger: logger}
	s.mcpServer = mcpserver.NewMCPServer(
		"tsunagi",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("tsunagi_search",
			mcplib.WithDescription("Search the project's knowledge base. Returns the most relevant document chunks, or whole documents when return_type is \"content\"."),
			mcplib.WithString("query", mcplib.Description("Natural language search query"), mcplib.Required()),
			mcplib.WithArray("source_ids",
				mcplib.Description("Data source ids to search"),
				mcplib.WithStringItems(),
				mcplib.Required(),
			),
			mcplib.WithNumber("k", mcplib.Description("Maximum results to return (default 3)")),
			mcplib.WithString("return_type", mcplib.Description("chunks or content"), mcplib.Enum("chunks", "content")),
		),
		s.handleSearch,
	)
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID := ctxutil.ProjectIDFromContext(ctx)
	if projectID == "" {
		return mcplib.NewToolResultError("no project in request context"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return mcplib.NewToolResultError("query is required"), nil
	}
	sources := request.GetStringSlice("source_ids", nil)
	if len(sources) == 0 {
		return mcplib.NewToolResultError("source_ids is required"), nil
	}

	settings := model.RAGSettings{
		DataSources: sources,
		ReturnType:  model.RAGReturnType(request.GetString("return_type", string(model.RAGReturnChunks))),
		K:           request.GetInt("k", model.DefaultRAGK),
	}

	results, err := s.retriever.Retrieve(ctx, projectID, settings, query)
	if err != nil {
		s.logger.Warn("mcp: search failed", "project_id", projectID, "error", err)
		return mcplib.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if results == nil {
		results = []model.Chunk{}
	}

	data, err := json.Marshal(map[string]any{
		"results": results,
		"total":   len(results),
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal results: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}
