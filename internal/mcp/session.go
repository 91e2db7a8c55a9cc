package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/metrics"
	"github.com/gosuda/mcproxy/internal/sessionlog"
)

const (
	ClientName    = "mcproxy"
	ClientVersion = "1.0.0"

	toolsKey = "tools"
)

// State is the lifecycle of a Session.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Tool is a tool as advertised by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Declaration converts t into an LLM function declaration.
func (t Tool) Declaration() domain.ToolDeclaration {
	params := t.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return domain.ToolDeclaration{Name: t.Name, Description: t.Description, Parameters: params}
}

// ToolSet is a cached tools/list result.
type ToolSet struct {
	Raw          []Tool
	Declarations []domain.ToolDeclaration
}

// ContentItem is one element of a tools/call result.
type ContentItem struct {
	Type    string
	Text    string
	HasText bool
	Raw     json.RawMessage
}

// ToolResult is a decoded tools/call result. Raw holds the verbatim result
// object so callers can relay it unchanged.
type ToolResult struct {
	Content []ContentItem
	IsError bool
	Raw     json.RawMessage
}

// Text flattens the result for the model: item texts joined by newlines
// (items without text rendered as JSON), or the whole result as JSON when it
// has no content list.
func (r *ToolResult) Text() string {
	if len(r.Content) == 0 {
		return string(r.Raw)
	}
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.HasText {
			parts = append(parts, c.Text)
		} else {
			parts = append(parts, string(c.Raw))
		}
	}
	return strings.Join(parts, "\n")
}

func decodeToolResult(raw json.RawMessage) *ToolResult {
	res := &ToolResult{Raw: raw}
	var envelope struct {
		Content []json.RawMessage `json:"content"`
		IsError bool              `json:"isError"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return res
	}
	res.IsError = envelope.IsError
	for _, item := range envelope.Content {
		var decoded struct {
			Type string  `json:"type"`
			Text *string `json:"text"`
		}
		_ = json.Unmarshal(item, &decoded)
		c := ContentItem{Type: decoded.Type, Raw: item}
		if decoded.Text != nil {
			c.Text, c.HasText = *decoded.Text, true
		}
		res.Content = append(res.Content, c)
	}
	return res
}

// Session owns the process-wide MCP session: the initialize handshake, the
// tool list cache and tool invocation. It is safe for concurrent use.
type Session struct {
	client  *Client
	metrics *metrics.Metrics
	ttl     time.Duration

	initMu sync.Mutex
	state  atomic.Int32

	cache *gocache.Cache
	group singleflight.Group
}

// NewSession wraps client. A zero ttl keeps the first non-empty tool listing
// until Invalidate is called.
func NewSession(client *Client, ttl time.Duration, m *metrics.Metrics) *Session {
	expiry := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiry = ttl
		cleanup = ttl
	}
	return &Session{
		client:  client,
		metrics: m,
		ttl:     ttl,
		cache:   gocache.New(expiry, cleanup),
	}
}

// Client returns the underlying transport.
func (s *Session) Client() *Client { return s.client }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SessionID returns the server-assigned session id, if any.
func (s *Session) SessionID() string { return s.client.SessionID() }

// Ready reports whether the handshake has completed.
func (s *Session) Ready() bool { return s.State() == StateReady }

// EnsureReady performs the initialize handshake unless it already
// succeeded. Concurrent callers wait for a single handshake. A failed
// handshake leaves the session uninitialized so the next call retries.
func (s *Session) EnsureReady(ctx context.Context) error {
	if s.Ready() {
		return nil
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.Ready() {
		return nil
	}

	s.state.Store(int32(StateInitializing))
	if err := s.initialize(ctx); err != nil {
		s.state.Store(int32(StateUninitialized))
		return fmt.Errorf("mcp.Session.EnsureReady: %w", err)
	}
	s.state.Store(int32(StateReady))
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	log.Info().Str("url", s.client.Endpoint()).Msg("mcp: initializing session")

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{"roots": map[string]any{"listChanged": true}},
		"clientInfo":      map[string]any{"name": ClientName, "version": ClientVersion},
	}
	if _, err := s.client.Send(ctx, "initialize", params); err != nil {
		return err
	}

	if err := s.client.Notify(ctx, "notifications/initialized", nil); err != nil {
		log.Warn().Err(err).Msg("mcp: initialized notification failed")
	}

	log.Info().Str("session_id", s.client.SessionID()).Msg("mcp: session initialized")
	return nil
}

// Invalidate drops the handshake state, the tracked session id and the
// cached tool list.
func (s *Session) Invalidate() {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.state.Store(int32(StateUninitialized))
	s.client.ResetSession()
	s.cache.Flush()
}

// Tools returns the cached tool set, fetching it on a miss. Empty listings
// are not cached. Concurrent misses share one fetch that is detached from
// any single caller's cancellation; each caller still stops waiting when
// its own ctx is done.
func (s *Session) Tools(ctx context.Context) (*ToolSet, error) {
	if v, ok := s.cache.Get(toolsKey); ok {
		return v.(*ToolSet), nil //nolint:forcetypeassert // only *ToolSet is stored
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(toolsKey, func() (any, error) {
		return s.fetchTools(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("mcp.Session.Tools: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			s.invalidateOnUnreachable(res.Err)
			return nil, fmt.Errorf("mcp.Session.Tools: %w", res.Err)
		}
		return res.Val.(*ToolSet), nil //nolint:forcetypeassert // group only returns *ToolSet
	}
}

// fetchTools issues tools/list. The client's per-call timeout bounds it.
func (s *Session) fetchTools(ctx context.Context) (*ToolSet, error) {
	raw, err := s.client.Send(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var listing struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}

	set := &ToolSet{Raw: listing.Tools}
	for _, t := range listing.Tools {
		set.Declarations = append(set.Declarations, t.Declaration())
	}
	if len(set.Raw) > 0 {
		s.cache.SetDefault(toolsKey, set)
	}
	return set, nil
}

// Declarations is Tools reduced to LLM function declarations. Errors yield
// an empty slice.
func (s *Session) Declarations(ctx context.Context) []domain.ToolDeclaration {
	set, err := s.Tools(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("mcp: tool listing failed")
		return nil
	}
	return set.Declarations
}

// CallTool normalizes args, invokes the tool and records the request and
// response on rec. Transport and protocol failures are returned as errors.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, rec domain.Recorder) (*ToolResult, error) {
	rec = domain.RecorderOrNop(rec)

	fixed := FixArguments(name, args)
	rec.Record(domain.EventMCPToolRequest, sessionlog.ToolRequest{ToolName: name, Arguments: fixed})

	start := time.Now()
	raw, err := s.client.Send(ctx, "tools/call", map[string]any{"name": name, "arguments": fixed})
	elapsed := time.Since(start)

	if err != nil {
		s.invalidateOnUnreachable(err)
		s.metrics.ToolCall(name, string(domain.ToolStatusError))
		rec.Record(domain.EventMCPToolResponse, sessionlog.NewToolResponse(name, ErrorText(err), domain.ToolStatusError, elapsed))
		return nil, fmt.Errorf("mcp.Session.CallTool %s: %w", name, err)
	}

	res := decodeToolResult(raw)
	s.metrics.ToolCall(name, string(domain.ToolStatusSuccess))
	rec.Record(domain.EventMCPToolResponse, sessionlog.NewToolResponse(name, string(raw), domain.ToolStatusSuccess, elapsed))
	return res, nil
}

func (s *Session) invalidateOnUnreachable(err error) {
	if errors.Is(err, ErrUnreachable) && s.Ready() {
		log.Warn().Err(err).Msg("mcp: server unreachable, dropping session")
		s.Invalidate()
	}
}

// ErrorText renders a call failure the way tool results report errors:
// a JSON object with an "error" field.
func ErrorText(err error) string {
	var rpcErr *RPCError
	var payload any = err.Error()
	if errors.As(err, &rpcErr) {
		payload = rpcErr
	}
	raw, _ := json.Marshal(map[string]any{"error": payload})
	return string(raw)
}
