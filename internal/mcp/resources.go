package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const sessionURIPrefix = "hibiki://sessions/"

func (s *Server) registerResources() {
	// hibiki://sessions/{id}: current status of a session.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			sessionURIPrefix+"{id}",
			"Session",
			mcplib.WithTemplateDescription("Status, preferences snapshot and last sequence of a session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSession,
	)
}

func (s *Server) handleSession(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := uuid.Parse(strings.TrimPrefix(uri, sessionURIPrefix))
	if err != nil || !strings.HasPrefix(uri, sessionURIPrefix) {
		return nil, fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: session %s: %w", id, err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal session: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
