// Package mcp implements the Model Context Protocol surface for agent
// runtimes.
//
// The tools mirror the runtime HTTP endpoints (start, push event/message/
// artifact, complete) and delegate to the same services, so a runtime can
// drive a session over either transport with identical semantics.
package mcp

import (
	"encoding/json"
	"errors"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/service/artifacts"
	"github.com/ashita-ai/hibiki/internal/service/ingest"
	"github.com/ashita-ai/hibiki/internal/service/sessions"
)

// Server wraps the MCP server with Hibiki's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	sessions  *sessions.Service
	gateway   *ingest.Gateway
	artifacts *artifacts.Registrar
	logger    *slog.Logger
}

// New creates an MCP server with all resources and tools registered.
func New(sess *sessions.Service, gw *ingest.Gateway, reg *artifacts.Registrar, logger *slog.Logger, version string) *Server {
	s := &Server{
		sessions:  sess,
		gateway:   gw,
		artifacts: reg,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hibiki",
		version,
		mcpserver.WithResourceCapabilities(true, false),
		mcpserver.WithToolCapabilities(false),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("marshal result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// serviceError turns a service failure into a tool error the runtime can act
// on. The code prefix matches the HTTP error codes.
func serviceError(err error) *mcplib.CallToolResult {
	var conflict *model.ConflictError
	switch {
	case model.IsValidation(err):
		return errorResult(model.ErrCodeInvalidInput + ": " + err.Error())
	case errors.Is(err, model.ErrNotFound):
		return errorResult(model.ErrCodeNotFound + ": " + err.Error())
	case errors.Is(err, model.ErrSessionClosed), errors.Is(err, model.ErrSessionNotStarted):
		return errorResult(model.ErrCodeSessionClosed + ": " + err.Error())
	case errors.As(err, &conflict):
		return errorResult(model.ErrCodeConflict + ": " + err.Error())
	default:
		return errorResult(model.ErrCodeInternalError + ": internal error")
	}
}
