package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	policyURI  = "orchestration://policy"
	metricsURI = "orchestration://metrics"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			policyURI,
			"Orchestration Policy",
			mcplib.WithResourceDescription("Current orchestration policy snapshot"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePolicyResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			metricsURI,
			"Orchestration Metrics",
			mcplib.WithResourceDescription("Aggregate metrics for the current window"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleMetricsResource,
	)
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePolicyResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Policies == nil {
		return jsonContents(req.Params.URI, map[string]string{"error": "policy store not configured"})
	}
	snap := s.deps.Policies.Snapshot()
	return jsonContents(req.Params.URI, policyResult{Version: snap.Version, Policy: snap.Policy})
}

func (s *Server) handleMetricsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Metrics == nil {
		return jsonContents(req.Params.URI, map[string]string{"error": "metrics collector not configured"})
	}
	return jsonContents(req.Params.URI, s.deps.Metrics.Snapshot())
}
