package v1

import (
	"context"

	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
	"github.com/gosuda/mcproxy/internal/mcp"
)

// ToolService abstracts the shared MCP session for handler testing.
// *mcp.Session satisfies this interface.
type ToolService interface {
	Ready() bool
	EnsureReady(ctx context.Context) error
	Tools(ctx context.Context) (*mcp.ToolSet, error)
	CallTool(ctx context.Context, name string, args map[string]any, rec domain.Recorder) (*mcp.ToolResult, error)
}

// ConfigSource yields the current backend configuration.
// *config.BackendStore satisfies this interface.
type ConfigSource interface {
	Load() (*config.Backend, error)
}

// LLM sends one buffered request to the hosted model.
// *gemini.Gateway satisfies this interface.
type LLM interface {
	Generate(ctx context.Context, contents []gemini.Content, opts gemini.Options) (*gemini.Response, error)
}

// LLMFactory binds an LLM to the endpoint and key pool of a config snapshot.
type LLMFactory func(apiBase string, keys []string) LLM
