package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/core/ports"
)

const (
	Version = "0.1.0"

	ToolRetrieveEvidence = "retrieve_evidence"
	ToolExplainPlan      = "explain_plan"
)

// Server exposes evidence retrieval as MCP tools.
type Server struct {
	service ports.EvidenceService
	logger  *slog.Logger
	server  *server.MCPServer
}

func NewServer(service ports.EvidenceService, logger *slog.Logger) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("evidence service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		logger:  logger,
		server:  server.NewMCPServer("evidence-router", Version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP over the given streams until ctx is done.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.server)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	queryArgs := []mcp.ToolOption{
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language question to gather evidence for"),
		),
		mcp.WithArray("sources",
			mcp.Description("Optional subset of sources to search"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("mode",
			mcp.Description("Optional retrieval mode hint"),
			mcp.Enum(string(domain.ModeSemantic), string(domain.ModeLexical), string(domain.ModeHybrid), string(domain.ModeMetadataOnly)),
		),
	}

	s.server.AddTool(mcp.NewTool(ToolRetrieveEvidence,
		append([]mcp.ToolOption{
			mcp.WithDescription("Route a question, query the relevant sources and return ranked, authority-checked evidence"),
		}, queryArgs...)...,
	), s.handleRetrieve)

	s.server.AddTool(mcp.NewTool(ToolExplainPlan,
		append([]mcp.ToolOption{
			mcp.WithDescription("Show the routing decision and retrieval plan for a question without running it"),
		}, queryArgs...)...,
	), s.handleExplain)
}

func (s *Server) handleRetrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := queryFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.service.Retrieve(ctx, query)
	if err != nil {
		s.logger.Warn("mcp_tool_failed", "tool", ToolRetrieveEvidence, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleExplain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := queryFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	explanation, err := s.service.Explain(ctx, query)
	if err != nil {
		s.logger.Warn("mcp_tool_failed", "tool", ToolExplainPlan, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(explanation)
}

func queryFromRequest(req mcp.CallToolRequest) (domain.Query, error) {
	text, err := req.RequireString("query")
	if err != nil {
		return domain.Query{}, err
	}
	if strings.TrimSpace(text) == "" {
		return domain.Query{}, fmt.Errorf("query must not be empty")
	}
	mode := domain.RetrievalMode(req.GetString("mode", ""))
	if mode != "" && !mode.Valid() {
		return domain.Query{}, fmt.Errorf("unknown retrieval mode %q", mode)
	}
	return domain.Query{
		Text:     text,
		CallerID: "mcp",
		Hints: domain.QueryHints{
			Sources: req.GetStringSlice("sources", nil),
			Mode:    mode,
		},
	}, nil
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
