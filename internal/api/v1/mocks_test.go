package v1_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/mcproxy/internal/api/v1"
	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
	"github.com/gosuda/mcproxy/internal/mcp"
)

// ---------------------------------------------------------------------------
// Mock ToolService
// ---------------------------------------------------------------------------

type mockTools struct {
	ready           bool
	ensureReadyFunc func(ctx context.Context) error
	toolsFunc       func(ctx context.Context) (*mcp.ToolSet, error)
	callToolFunc    func(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
}

func (m *mockTools) Ready() bool { return m.ready }

func (m *mockTools) EnsureReady(ctx context.Context) error {
	if m.ensureReadyFunc == nil {
		m.ready = true
		return nil
	}
	return m.ensureReadyFunc(ctx)
}

func (m *mockTools) Tools(ctx context.Context) (*mcp.ToolSet, error) {
	return m.toolsFunc(ctx)
}

func (m *mockTools) CallTool(ctx context.Context, name string, args map[string]any, _ domain.Recorder) (*mcp.ToolResult, error) {
	return m.callToolFunc(ctx, name, args)
}

// ---------------------------------------------------------------------------
// Mock ConfigSource
// ---------------------------------------------------------------------------

type mockConfigs struct {
	backend *config.Backend
	err     error
}

func (m *mockConfigs) Load() (*config.Backend, error) { return m.backend, m.err }

// ---------------------------------------------------------------------------
// Mock LLM
// ---------------------------------------------------------------------------

type mockLLM struct {
	generateFunc func(ctx context.Context, contents []gemini.Content, opts gemini.Options) (*gemini.Response, error)
}

func (m *mockLLM) Generate(ctx context.Context, contents []gemini.Content, opts gemini.Options) (*gemini.Response, error) {
	return m.generateFunc(ctx, contents, opts)
}

func factoryFor(llm *mockLLM, gotBase *string, gotKeys *[]string) v1.LLMFactory {
	return func(apiBase string, keys []string) v1.LLM {
		*gotBase = apiBase
		*gotKeys = keys
		return llm
	}
}

// ---------------------------------------------------------------------------
// Mock SessionLogRepository
// ---------------------------------------------------------------------------

type mockSessionLogRepo struct {
	listFunc  func(ctx context.Context, sessionID string, limit, offset int) ([]*domain.SessionLogEntry, error)
	countFunc func(ctx context.Context, sessionID string) (int64, error)
}

func (m *mockSessionLogRepo) Append(context.Context, *domain.SessionLogEntry) error { return nil }

func (m *mockSessionLogRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.SessionLogEntry, error) {
	return m.listFunc(ctx, sessionID, limit, offset)
}

func (m *mockSessionLogRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	return m.countFunc(ctx, sessionID)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// decode parses a JSON object body without the $schema link huma adds.
func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	delete(body, "$schema")
	return body
}
