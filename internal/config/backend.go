package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

// ErrNotLoaded is returned when the backend config file is missing or invalid.
var ErrNotLoaded = errors.New("config: backend config not loaded") //nolint:gochecknoglobals // sentinel error

const (
	DefaultAPIBase = "https://generativelanguage.googleapis.com/v1beta/models"
	DefaultModel   = "gemini-3-flash-preview"

	envPrefix = "MCPROXY_CFG_"
)

// Backend is an immutable snapshot of the backend config file. Callers must
// not mutate a snapshot returned by BackendStore; use WithOverrides to derive
// a per-request copy.
type Backend struct {
	Gemini        GeminiSettings        `koanf:"gemini" json:"gemini"`
	MCP           MCPSettings           `koanf:"mcp" json:"mcp"`
	KnowledgeBase KnowledgeBaseSettings `koanf:"knowledge_base" json:"knowledge_base"`
	Thinking      ThinkingSettings      `koanf:"thinking" json:"thinking"`
	Prompts       PromptSettings        `koanf:"prompts" json:"prompts"`
	QueryParamKey string                `koanf:"query_param_key" json:"-"`
}

// GeminiSettings configures the hosted LLM endpoint and credential pool.
type GeminiSettings struct {
	APIBase  string   `koanf:"api_base" json:"api_base"`
	APIKeys  []string `koanf:"api_keys" json:"-"`
	APIKey   string   `koanf:"api_key" json:"-"`
	MCPModel string   `koanf:"mcp_model" json:"mcp_model"`
	KBModel  string   `koanf:"kb_model" json:"kb_model"`
}

// MCPSettings toggles the tool phase.
type MCPSettings struct {
	Enabled bool `koanf:"enabled" json:"enabled"`
}

// KnowledgeBaseSettings configures grounded retrieval.
type KnowledgeBaseSettings struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	StoreID string `koanf:"store_id" json:"store_id"`
}

// ThinkingSettings holds reasoning budget levels per phase.
type ThinkingSettings struct {
	MCPLevel       string `koanf:"mcp_level" json:"mcp_level"`
	SynthesisLevel string `koanf:"synthesis_level" json:"synthesis_level"`
}

// PromptSettings holds the system prompt of each phase.
type PromptSettings struct {
	MCP       string `koanf:"mcp" json:"mcp"`
	KB        string `koanf:"kb" json:"kb"`
	Synthesis string `koanf:"synthesis" json:"synthesis"`
}

func defaultBackend() Backend {
	return Backend{
		Gemini: GeminiSettings{
			APIBase:  DefaultAPIBase,
			MCPModel: DefaultModel,
			KBModel:  DefaultModel,
		},
		MCP: MCPSettings{Enabled: true},
		Thinking: ThinkingSettings{
			MCPLevel:       "low",
			SynthesisLevel: "low",
		},
	}
}

// APIKeyPool returns the credential pool. The api_keys list wins; a single
// api_key is used as a fallback unless it is marked DEPRECATED.
func (b *Backend) APIKeyPool() []string {
	keys := make([]string, 0, len(b.Gemini.APIKeys))
	for _, k := range b.Gemini.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		return keys
	}
	if k := strings.TrimSpace(b.Gemini.APIKey); k != "" && !strings.HasPrefix(k, "DEPRECATED") {
		return []string{k}
	}
	return nil
}

// Overrides are per-request adjustments taken from query parameters.
type Overrides struct {
	Model             string `json:"model,omitempty"`
	KB                *bool  `json:"kb,omitempty"`
	MCPThinking       string `json:"mcp_thinking,omitempty"`
	SynthesisThinking string `json:"synthesis_thinking,omitempty"`
}

// Empty reports whether no override is set.
func (o Overrides) Empty() bool {
	return o.Model == "" && o.KB == nil && o.MCPThinking == "" && o.SynthesisThinking == ""
}

// WithOverrides returns a copy of b with o applied. b is left untouched.
func (b *Backend) WithOverrides(o Overrides) *Backend {
	out := *b
	out.Gemini.APIKeys = slices.Clone(b.Gemini.APIKeys)

	if o.Model != "" {
		out.Gemini.MCPModel = o.Model
		out.Gemini.KBModel = o.Model
	}
	if o.KB != nil {
		out.KnowledgeBase.Enabled = *o.KB
	}
	if o.MCPThinking != "" {
		out.Thinking.MCPLevel = o.MCPThinking
	}
	if o.SynthesisThinking != "" {
		out.Thinking.SynthesisLevel = o.SynthesisThinking
	}
	return &out
}

// SanitizedBackend is the client-safe view of Backend.
type SanitizedBackend struct {
	Gemini        SanitizedGemini       `json:"gemini"`
	MCP           MCPSettings           `json:"mcp"`
	KnowledgeBase KnowledgeBaseSettings `json:"knowledge_base"`
	Thinking      ThinkingSettings      `json:"thinking"`
	HasAPIKey     bool                  `json:"has_api_key"`
	APIKeyCount   int                   `json:"api_key_count"`
}

// SanitizedGemini omits credentials.
type SanitizedGemini struct {
	APIBase  string `json:"api_base"`
	MCPModel string `json:"mcp_model"`
	KBModel  string `json:"kb_model"`
}

// Sanitized strips credentials, prompts and the override secret.
func (b *Backend) Sanitized() SanitizedBackend {
	pool := b.APIKeyPool()
	return SanitizedBackend{
		Gemini: SanitizedGemini{
			APIBase:  b.Gemini.APIBase,
			MCPModel: b.Gemini.MCPModel,
			KBModel:  b.Gemini.KBModel,
		},
		MCP:           b.MCP,
		KnowledgeBase: b.KnowledgeBase,
		Thinking:      b.Thinking,
		HasAPIKey:     len(pool) > 0,
		APIKeyCount:   len(pool),
	}
}

// BackendStore loads the backend config file and caches it until the file's
// modification time changes.
type BackendStore struct {
	path string

	mu      sync.Mutex
	cached  *Backend
	modTime time.Time
	watcher *file.File
}

// NewBackendStore creates a store for the file at path. The file is read
// lazily on the first Load.
func NewBackendStore(path string) *BackendStore {
	return &BackendStore{path: path}
}

// Path returns the config file location.
func (s *BackendStore) Path() string { return s.path }

// Load returns the current snapshot, re-reading the file when its mtime
// differs from the cached one.
func (s *BackendStore) Load() (*Backend, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("config.BackendStore.Load: %w: %w", ErrNotLoaded, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && info.ModTime().Equal(s.modTime) {
		return s.cached, nil
	}

	b, err := readBackend(s.path)
	if err != nil {
		return nil, fmt.Errorf("config.BackendStore.Load: %w: %w", ErrNotLoaded, err)
	}

	s.cached = b
	s.modTime = info.ModTime()
	log.Info().Str("path", s.path).Int("api_keys", len(b.APIKeyPool())).Msg("backend config loaded")
	return b, nil
}

// Watch drops the cached snapshot whenever the file changes on disk so the
// next Load re-reads it even when the mtime resolution hides the edit.
func (s *BackendStore) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return nil
	}

	w := file.Provider(s.path)
	err := w.Watch(func(_ any, err error) {
		if err != nil {
			log.Warn().Err(err).Str("path", s.path).Msg("backend config watch")
			return
		}
		s.invalidate()
	})
	if err != nil {
		return fmt.Errorf("config.BackendStore.Watch: %w", err)
	}
	s.watcher = w
	return nil
}

// Close stops the file watcher, if any.
func (s *BackendStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Unwatch()
	s.watcher = nil
	if err != nil {
		return fmt.Errorf("config.BackendStore.Close: %w", err)
	}
	return nil
}

func (s *BackendStore) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func readBackend(path string) (*Backend, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// MCPROXY_CFG_GEMINI__API_KEYS=a,b -> gemini.api_keys
	err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		configKey := strings.ToLower(strings.TrimPrefix(key, envPrefix))
		configKey = strings.ReplaceAll(configKey, "__", ".")
		if configKey == "gemini.api_keys" {
			return configKey, splitList(value)
		}
		return configKey, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading %s* environment: %w", envPrefix, err)
	}

	b := defaultBackend()
	if err := k.Unmarshal("", &b); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if b.Gemini.APIBase == "" {
		b.Gemini.APIBase = DefaultAPIBase
	}
	b.Gemini.APIBase = strings.TrimRight(b.Gemini.APIBase, "/")
	if b.Gemini.MCPModel == "" {
		b.Gemini.MCPModel = DefaultModel
	}
	if b.Gemini.KBModel == "" {
		b.Gemini.KBModel = DefaultModel
	}
	return &b, nil
}
