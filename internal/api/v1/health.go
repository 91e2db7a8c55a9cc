package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/mcproxy/internal/config"
)

type HealthOutput struct {
	Body struct {
		Status   string `json:"status"`
		MCPURL   string `json:"mcp_url"`
		MCPReady bool   `json:"mcp_ready"`
	}
}

type GetConfigOutput struct {
	Status int
	Body   struct {
		Success bool                     `json:"success"`
		Config  *config.SanitizedBackend `json:"config,omitempty"`
		Error   string                   `json:"error,omitempty"`
	}
}

// RegisterHealthRoutes registers GET /health and GET /api/config.
func RegisterHealthRoutes(api huma.API, mcpURL string, tools ToolService, configs ConfigSource) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness and MCP session state",
		Tags:        []string{"Health"},
	}, func(_ context.Context, _ *struct{}) (*HealthOutput, error) {
		out := &HealthOutput{}
		out.Body.Status = "ok"
		out.Body.MCPURL = mcpURL
		out.Body.MCPReady = tools.Ready()
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/api/config",
		Summary:     "Backend config without credentials",
		Tags:        []string{"Config"},
	}, func(_ context.Context, _ *struct{}) (*GetConfigOutput, error) {
		out := &GetConfigOutput{Status: http.StatusOK}
		cfg, err := configs.Load()
		if err != nil {
			out.Status = http.StatusInternalServerError
			out.Body.Error = "Config not loaded"
			return out, nil
		}
		safe := cfg.Sanitized()
		out.Body.Success = true
		out.Body.Config = &safe
		return out, nil
	})
}
