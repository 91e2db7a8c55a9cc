package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBackendFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func boolPtr(b bool) *bool { return &b }

func TestBackendStore_LoadDefaults(t *testing.T) {
	path := writeBackendFile(t, t.TempDir(), `{"gemini":{"api_keys":["k1","k2"]}}`)

	b, err := NewBackendStore(path).Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIBase, b.Gemini.APIBase)
	assert.Equal(t, DefaultModel, b.Gemini.MCPModel)
	assert.Equal(t, DefaultModel, b.Gemini.KBModel)
	assert.True(t, b.MCP.Enabled, "mcp defaults to enabled")
	assert.False(t, b.KnowledgeBase.Enabled)
	assert.Equal(t, "low", b.Thinking.MCPLevel)
	assert.Equal(t, "low", b.Thinking.SynthesisLevel)
	assert.Equal(t, []string{"k1", "k2"}, b.APIKeyPool())
}

func TestBackendStore_LoadFull(t *testing.T) {
	path := writeBackendFile(t, t.TempDir(), `{
		"gemini": {"api_base": "http://llm.local/v1beta/models/", "api_key": "solo", "mcp_model": "m1", "kb_model": "m2"},
		"mcp": {"enabled": false},
		"knowledge_base": {"enabled": true, "store_id": "fileSearchStores/abc"},
		"thinking": {"mcp_level": "high", "synthesis_level": "2048"},
		"prompts": {"mcp": "tools prompt", "kb": "kb prompt", "synthesis": "synth prompt"},
		"query_param_key": "s3cret"
	}`)

	b, err := NewBackendStore(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://llm.local/v1beta/models", b.Gemini.APIBase, "trailing slash trimmed")
	assert.Equal(t, "m1", b.Gemini.MCPModel)
	assert.Equal(t, "m2", b.Gemini.KBModel)
	assert.False(t, b.MCP.Enabled)
	assert.True(t, b.KnowledgeBase.Enabled)
	assert.Equal(t, "fileSearchStores/abc", b.KnowledgeBase.StoreID)
	assert.Equal(t, "high", b.Thinking.MCPLevel)
	assert.Equal(t, "synth prompt", b.Prompts.Synthesis)
	assert.Equal(t, "s3cret", b.QueryParamKey)
	assert.Equal(t, []string{"solo"}, b.APIKeyPool())
}

func TestBackendStore_EnvOverlay(t *testing.T) {
	path := writeBackendFile(t, t.TempDir(), `{"gemini":{"api_keys":["file-key"]}}`)
	t.Setenv("MCPROXY_CFG_GEMINI__API_KEYS", "env-a, env-b")
	t.Setenv("MCPROXY_CFG_KNOWLEDGE_BASE__ENABLED", "true")

	b, err := NewBackendStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"env-a", "env-b"}, b.APIKeyPool())
	assert.True(t, b.KnowledgeBase.Enabled)
}

func TestBackendStore_MissingFile(t *testing.T) {
	_, err := NewBackendStore(filepath.Join(t.TempDir(), "nope.json")).Load()
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestBackendStore_InvalidJSON(t *testing.T) {
	path := writeBackendFile(t, t.TempDir(), `{"gemini":`)
	_, err := NewBackendStore(path).Load()
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestBackendStore_ReloadsOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := writeBackendFile(t, dir, `{"gemini":{"mcp_model":"first"}}`)
	store := NewBackendStore(path)

	b1, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "first", b1.Gemini.MCPModel)

	again, err := store.Load()
	require.NoError(t, err)
	assert.Same(t, b1, again, "unchanged file served from cache")

	writeBackendFile(t, dir, `{"gemini":{"mcp_model":"second"}}`)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	b2, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "second", b2.Gemini.MCPModel)
	assert.Equal(t, "first", b1.Gemini.MCPModel, "old snapshot is immutable")
}

func TestAPIKeyPool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		g    GeminiSettings
		want []string
	}{
		{name: "list wins over single", g: GeminiSettings{APIKeys: []string{"a"}, APIKey: "b"}, want: []string{"a"}},
		{name: "blank list entries dropped", g: GeminiSettings{APIKeys: []string{" ", "a", ""}}, want: []string{"a"}},
		{name: "single fallback", g: GeminiSettings{APIKey: "b"}, want: []string{"b"}},
		{name: "deprecated single ignored", g: GeminiSettings{APIKey: "DEPRECATED use api_keys"}, want: nil},
		{name: "nothing configured", g: GeminiSettings{}, want: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := &Backend{Gemini: tc.g}
			assert.Equal(t, tc.want, b.APIKeyPool())
		})
	}
}

func TestWithOverrides(t *testing.T) {
	t.Parallel()

	base := defaultBackend()
	base.Gemini.APIKeys = []string{"k"}

	t.Run("empty overrides copy", func(t *testing.T) {
		t.Parallel()
		assert.True(t, Overrides{}.Empty())
		out := base.WithOverrides(Overrides{})
		assert.Equal(t, base, *out)
		assert.NotSame(t, &base, out)
	})

	t.Run("model sets both phases", func(t *testing.T) {
		t.Parallel()
		out := base.WithOverrides(Overrides{Model: "gemini-2.5-pro"})
		assert.Equal(t, "gemini-2.5-pro", out.Gemini.MCPModel)
		assert.Equal(t, "gemini-2.5-pro", out.Gemini.KBModel)
		assert.Equal(t, DefaultModel, base.Gemini.MCPModel)
	})

	t.Run("kb and thinking", func(t *testing.T) {
		t.Parallel()
		out := base.WithOverrides(Overrides{KB: boolPtr(true), MCPThinking: "high", SynthesisThinking: "minimal"})
		assert.True(t, out.KnowledgeBase.Enabled)
		assert.Equal(t, "high", out.Thinking.MCPLevel)
		assert.Equal(t, "minimal", out.Thinking.SynthesisLevel)
		assert.False(t, base.KnowledgeBase.Enabled)
	})

	t.Run("key slice is not shared", func(t *testing.T) {
		t.Parallel()
		out := base.WithOverrides(Overrides{})
		out.Gemini.APIKeys[0] = "changed"
		assert.Equal(t, "k", base.Gemini.APIKeys[0])
	})
}

func TestSanitized(t *testing.T) {
	t.Parallel()

	b := defaultBackend()
	b.Gemini.APIKeys = []string{"secret-1", "secret-2"}
	b.QueryParamKey = "override-secret"
	b.Prompts.MCP = "internal prompt"

	s := b.Sanitized()
	assert.True(t, s.HasAPIKey)
	assert.Equal(t, 2, s.APIKeyCount)
	assert.Equal(t, DefaultModel, s.Gemini.MCPModel)
	assert.True(t, s.MCP.Enabled)
}
