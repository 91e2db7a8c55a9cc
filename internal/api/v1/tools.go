package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/mcp"
)

type ListToolsOutput struct {
	Status int
	Body   struct {
		Success  bool                     `json:"success"`
		Tools    []domain.ToolDeclaration `json:"tools,omitempty"`
		RawTools []mcp.Tool               `json:"raw_tools,omitempty"`
		Error    string                   `json:"error,omitempty"`
	}
}

type CallToolInput struct {
	Body struct {
		Name      string         `json:"name,omitempty" doc:"Tool name"`
		Arguments map[string]any `json:"arguments,omitempty" doc:"Tool arguments"`
	}
}

type CallToolOutput struct {
	Status int
	Body   struct {
		Success bool   `json:"success"`
		Result  any    `json:"result,omitempty"`
		Error   string `json:"error,omitempty"`
	}
}

// RegisterToolRoutes registers the MCP passthrough operations.
func RegisterToolRoutes(api huma.API, tools ToolService) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/api/tools",
		Summary:     "List MCP tools as LLM function declarations",
		Tags:        []string{"Tools"},
	}, func(ctx context.Context, _ *struct{}) (*ListToolsOutput, error) {
		out := &ListToolsOutput{Status: http.StatusOK}
		if !tools.Ready() {
			if err := tools.EnsureReady(ctx); err != nil {
				log.Warn().Err(err).Msg("api: MCP initialization failed")
				out.Status = http.StatusServiceUnavailable
				out.Body.Error = "Cannot connect to MCP server"
				return out, nil
			}
		}

		set, err := tools.Tools(ctx)
		if err != nil || len(set.Raw) == 0 {
			out.Status = http.StatusServiceUnavailable
			out.Body.Error = "No tools available"
			return out, nil
		}
		out.Body.Success = true
		out.Body.Tools = set.Declarations
		out.Body.RawTools = set.Raw
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "call-tool",
		Method:      http.MethodPost,
		Path:        "/api/call",
		Summary:     "Call one MCP tool",
		Tags:        []string{"Tools"},
	}, func(ctx context.Context, input *CallToolInput) (*CallToolOutput, error) {
		out := &CallToolOutput{Status: http.StatusOK}
		if !tools.Ready() {
			if err := tools.EnsureReady(ctx); err != nil {
				log.Warn().Err(err).Msg("api: MCP initialization failed")
				out.Status = http.StatusServiceUnavailable
				out.Body.Error = "Cannot connect to MCP server"
				return out, nil
			}
		}

		name := strings.TrimSpace(input.Body.Name)
		if name == "" {
			out.Status = http.StatusBadRequest
			out.Body.Error = "Tool name required"
			return out, nil
		}

		log.Info().Str("tool", name).Msg("api: calling tool")
		res, err := tools.CallTool(ctx, name, input.Body.Arguments, nil)
		out.Body.Success = true
		if err != nil {
			out.Body.Result = json.RawMessage(mcp.ErrorText(err))
			return out, nil
		}
		out.Body.Result = json.RawMessage(res.Raw)
		return out, nil
	})
}
