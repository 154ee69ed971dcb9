package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

const mcpActor = "mcp"

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("get_orchestration_policy",
				mcplib.WithDescription("Get the current orchestration policy and its version"),
			),
			Handler: s.handleGetPolicy,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("update_orchestration_policy",
				mcplib.WithDescription("Replace the orchestration policy. The policy is validated before it is stored."),
				mcplib.WithString("policy",
					mcplib.Required(),
					mcplib.Description("The complete policy as a JSON document"),
				),
				mcplib.WithString("actor",
					mcplib.Description("Name recorded as the author of the change"),
				),
			),
			Handler: s.handleUpdatePolicy,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("toggle_orchestration",
				mcplib.WithDescription("Enable or disable multi-role orchestration"),
				mcplib.WithBoolean("enabled",
					mcplib.Required(),
					mcplib.Description("Whether multi-role orchestration is enabled"),
				),
			),
			Handler: s.handleToggle,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("get_orchestration_metrics",
				mcplib.WithDescription("Get aggregate orchestration metrics for the current window"),
			),
			Handler: s.handleGetMetrics,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("reset_orchestration_metrics",
				mcplib.WithDescription("Start a new metrics window"),
			),
			Handler: s.handleResetMetrics,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("orchestration_health_check",
				mcplib.WithDescription("Report policy version, enablement and running orchestrations"),
			),
			Handler: s.handleHealth,
		},
	)
}

func toolResultJSON(v any) *mcplib.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err)
	}
	return mcplib.NewToolResultText(string(data))
}

type policyResult struct {
	Version int64                `json:"version"`
	Policy  orchestration.Policy `json:"policy"`
}

func (s *Server) handleGetPolicy(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Policies == nil {
		return mcplib.NewToolResultError("policy store not configured"), nil
	}
	snap := s.deps.Policies.Snapshot()
	return toolResultJSON(policyResult{Version: snap.Version, Policy: snap.Policy}), nil
}

func (s *Server) handleUpdatePolicy(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Policies == nil {
		return mcplib.NewToolResultError("policy store not configured"), nil
	}
	args := req.GetArguments()
	raw, ok := args["policy"].(string)
	if !ok || raw == "" {
		return mcplib.NewToolResultError("policy is required"), nil
	}
	actor, _ := args["actor"].(string)
	if actor == "" {
		actor = mcpActor
	}

	var p orchestration.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid policy", err), nil
	}
	snap, err := s.deps.Policies.Replace(ctx, p, actor)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to update policy", err), nil
	}
	return toolResultJSON(policyResult{Version: snap.Version, Policy: snap.Policy}), nil
}

func (s *Server) handleToggle(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Policies == nil {
		return mcplib.NewToolResultError("policy store not configured"), nil
	}
	enabled, ok := req.GetArguments()["enabled"].(bool)
	if !ok {
		return mcplib.NewToolResultError("enabled must be a boolean"), nil
	}
	snap, err := s.deps.Policies.SetEnabled(ctx, enabled, mcpActor)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to toggle orchestration", err), nil
	}
	return toolResultJSON(map[string]any{"enabled": snap.Policy.Enabled, "version": snap.Version}), nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Metrics == nil {
		return mcplib.NewToolResultError("metrics collector not configured"), nil
	}
	return toolResultJSON(s.deps.Metrics.Snapshot()), nil
}

func (s *Server) handleResetMetrics(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Metrics == nil {
		return mcplib.NewToolResultError("metrics collector not configured"), nil
	}
	s.deps.Metrics.Reset()
	return mcplib.NewToolResultText(`{"reset":true}`), nil
}

type healthResult struct {
	Status        string `json:"status"`
	PolicyVersion int64  `json:"policyVersion"`
	PolicyEnabled bool   `json:"policyEnabled"`
	InFlight      int    `json:"inFlight"`
}

func (s *Server) handleHealth(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	res := healthResult{Status: "ok"}
	if s.deps.Policies == nil {
		res.Status = "degraded"
	} else {
		snap := s.deps.Policies.Snapshot()
		res.PolicyVersion = snap.Version
		res.PolicyEnabled = snap.Policy.Enabled
	}
	if s.deps.Runs != nil {
		res.InFlight = s.deps.Runs.InFlight()
	}
	return toolResultJSON(res), nil
}
