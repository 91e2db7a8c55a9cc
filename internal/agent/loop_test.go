package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/mcproxy/internal/agent"
	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
	"github.com/gosuda/mcproxy/internal/mcp"
)

// ---------------------------------------------------------------------------
// mocks
// ---------------------------------------------------------------------------

type mockGenerator struct {
	mu       sync.Mutex
	requests [][]gemini.Content
	opts     []gemini.Options

	generateFunc func(n int, contents []gemini.Content) (*gemini.Response, error)
}

func (m *mockGenerator) Generate(_ context.Context, contents []gemini.Content, opts gemini.Options) (*gemini.Response, error) {
	m.mu.Lock()
	n := len(m.requests)
	m.requests = append(m.requests, append([]gemini.Content(nil), contents...))
	m.opts = append(m.opts, opts)
	m.mu.Unlock()
	return m.generateFunc(n, contents)
}

type mockTools struct {
	mu    sync.Mutex
	calls []string
	args  []map[string]any

	declarations []domain.ToolDeclaration
	callFunc     func(name string, args map[string]any) (*mcp.ToolResult, error)
}

func (m *mockTools) Declarations(context.Context) []domain.ToolDeclaration {
	return m.declarations
}

func (m *mockTools) CallTool(_ context.Context, name string, args map[string]any, _ domain.Recorder) (*mcp.ToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.args = append(m.args, args)
	m.mu.Unlock()
	return m.callFunc(name, args)
}

type captureRecorder struct {
	mu     sync.Mutex
	events []domain.EventType
	errors []string
}

func (c *captureRecorder) Record(eventType domain.EventType, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
	if p, ok := payload.(domain.ErrorPayload); ok {
		c.errors = append(c.errors, p.ErrorType)
	}
}

func (c *captureRecorder) count(t domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == t {
			n++
		}
	}
	return n
}

func textResult(text string) *mcp.ToolResult {
	return &mcp.ToolResult{Content: []mcp.ContentItem{{Type: "text", Text: text, HasText: true}}}
}

func callResponse(calls ...gemini.FunctionCall) *gemini.Response {
	parts := make([]gemini.Part, 0, len(calls))
	for i, c := range calls {
		p := gemini.Part{FunctionCall: &c}
		if i == 0 {
			p.ThoughtSignature = "sig-1"
		}
		parts = append(parts, p)
	}
	return &gemini.Response{Candidates: []gemini.Candidate{{Content: gemini.Content{Role: gemini.RoleModel, Parts: parts}}}}
}

func answer(text string) *gemini.Response {
	return &gemini.Response{Candidates: []gemini.Candidate{{Content: gemini.Content{Role: gemini.RoleModel, Parts: []gemini.Part{{Text: text}}}}}}
}

var someTools = []domain.ToolDeclaration{ //nolint:gochecknoglobals // test fixture
	{Name: "search_indicators", Parameters: map[string]any{"type": "object"}},
	{Name: "get_observations", Parameters: map[string]any{"type": "object"}},
}

// ---------------------------------------------------------------------------
// ToolLoop
// ---------------------------------------------------------------------------

func TestToolLoop_CallsToolsThenAnswers(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{generateFunc: func(n int, _ []gemini.Content) (*gemini.Response, error) {
		switch n {
		case 0:
			return callResponse(
				gemini.FunctionCall{Name: "search_indicators", Args: map[string]any{"query": "population", "places": "India"}},
				gemini.FunctionCall{Name: "get_observations", Args: map[string]any{"variable_dcid": "Count_Person"}},
			), nil
		default:
			return answer("India has 1.4B people."), nil
		}
	}}
	tools := &mockTools{declarations: someTools, callFunc: func(name string, _ map[string]any) (*mcp.ToolResult, error) {
		if name == "search_indicators" {
			return textResult(`{"indicators":[{"dcid":"Count_Person"}]}`), nil
		}
		return textResult(`{"time_series":[["2023",1400000000]]}`), nil
	}}
	rec := &captureRecorder{}

	var streamed []domain.ToolCallRecord
	res := agent.NewToolLoop(gen, tools).Run(context.Background(), "population of india", agent.LoopOptions{
		Model:         "gemini-3-flash-preview",
		SystemPrompt:  "mcp prompt",
		ThinkingLevel: "low",
		Recorder:      rec,
		OnToolCall:    func(r domain.ToolCallRecord) { streamed = append(streamed, r) },
	})

	assert.Equal(t, "India has 1.4B people.", res.FinalText)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Calls, 2)
	assert.Equal(t, res.Calls, streamed)

	// Records keep the arguments the model produced.
	assert.Equal(t, "India", res.Calls[0].Arguments["places"])
	assert.Equal(t, domain.ToolStatusSuccess, res.Calls[0].Status)

	assert.Equal(t,
		"Tool: search_indicators\nResult: {\"indicators\":[{\"dcid\":\"Count_Person\"}]}\n\n"+
			"Tool: get_observations\nResult: {\"time_series\":[[\"2023\",1400000000]]}",
		res.ResultsText)

	// Second request: user, model turn echoed with its signature, tool responses.
	gen.mu.Lock()
	second := gen.requests[1]
	opts := gen.opts[0]
	gen.mu.Unlock()
	require.Len(t, second, 3)
	assert.Equal(t, gemini.RoleUser, second[0].Role)
	assert.Equal(t, "population of india", second[0].Parts[0].Text)
	assert.Equal(t, gemini.RoleModel, second[1].Role)
	assert.Equal(t, "sig-1", second[1].Parts[0].ThoughtSignature)
	assert.Equal(t, gemini.RoleUser, second[2].Role)
	require.Len(t, second[2].Parts, 2)
	assert.Equal(t, "search_indicators", second[2].Parts[0].FunctionResponse.Name)
	assert.Equal(t, `{"indicators":[{"dcid":"Count_Person"}]}`, second[2].Parts[0].FunctionResponse.Response["result"])

	assert.InDelta(t, 1.0, opts.Temperature, 0)
	assert.Equal(t, "gemini-3-flash-preview", opts.Model)
	assert.Equal(t, "mcp prompt", opts.SystemInstruction)
	assert.Equal(t, "low", opts.ThinkingLevel)
	assert.Len(t, opts.Tools, 2)

	assert.Equal(t, 2, rec.count(domain.EventMCPLoopIteration))
	assert.Equal(t, 1, rec.count(domain.EventMCPLoopComplete))
}

func TestToolLoop_Terminations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		decls      []domain.ToolDeclaration
		generate   func(n int, contents []gemini.Content) (*gemini.Response, error)
		wantText   string
		wantIter   int
		wantCalls  int
		wantErrors []string
		wantEvent  domain.EventType
	}{
		{
			name:       "no tools",
			decls:      nil,
			generate:   func(int, []gemini.Content) (*gemini.Response, error) { return answer("unused"), nil },
			wantText:   agent.TextToolsUnavailable,
			wantErrors: []string{"MCP_TOOLS_UNAVAILABLE"},
		},
		{
			name:  "gateway error",
			decls: someTools,
			generate: func(int, []gemini.Content) (*gemini.Response, error) {
				return nil, errors.New("all 2 API keys failed. Last error: Rate limited (429)")
			},
			wantText:   "Error: all 2 API keys failed. Last error: Rate limited (429)",
			wantIter:   1,
			wantErrors: []string{"MCP_LOOP_ERROR"},
		},
		{
			name:       "no candidates",
			decls:      someTools,
			generate:   func(int, []gemini.Content) (*gemini.Response, error) { return &gemini.Response{}, nil },
			wantText:   agent.TextNoCandidates,
			wantIter:   1,
			wantErrors: []string{"MCP_NO_CANDIDATES"},
		},
		{
			name:  "iteration cap",
			decls: someTools,
			generate: func(int, []gemini.Content) (*gemini.Response, error) {
				return callResponse(gemini.FunctionCall{Name: "search_indicators", Args: map[string]any{"query": "x"}}), nil
			},
			wantText:  agent.TextMaxIterations,
			wantIter:  3,
			wantCalls: 3,
			wantEvent: domain.EventMCPLoopMaxIterations,
		},
		{
			name:      "direct answer",
			decls:     someTools,
			generate:  func(int, []gemini.Content) (*gemini.Response, error) { return answer("hi"), nil },
			wantText:  "hi",
			wantIter:  1,
			wantEvent: domain.EventMCPLoopComplete,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			gen := &mockGenerator{generateFunc: tc.generate}
			tools := &mockTools{declarations: tc.decls, callFunc: func(string, map[string]any) (*mcp.ToolResult, error) {
				return textResult(`{"indicators":[]}`), nil
			}}
			rec := &captureRecorder{}

			res := agent.NewToolLoop(gen, tools).Run(context.Background(), "q", agent.LoopOptions{MaxIterations: 3, Recorder: rec})

			assert.Equal(t, tc.wantText, res.FinalText)
			assert.Equal(t, tc.wantIter, res.Iterations)
			assert.Len(t, res.Calls, tc.wantCalls)
			assert.Equal(t, tc.wantErrors, rec.errors)
			if tc.wantEvent != "" {
				assert.Equal(t, 1, rec.count(tc.wantEvent))
			}
		})
	}
}

func TestToolLoop_ToolFailuresAndTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 800)
	gen := &mockGenerator{generateFunc: func(n int, _ []gemini.Content) (*gemini.Response, error) {
		if n == 0 {
			return callResponse(
				gemini.FunctionCall{Name: "broken"},
				gemini.FunctionCall{Name: "verbose"},
				gemini.FunctionCall{Name: "reports_error"},
			), nil
		}
		return answer("done"), nil
	}}
	tools := &mockTools{declarations: someTools, callFunc: func(name string, _ map[string]any) (*mcp.ToolResult, error) {
		switch name {
		case "broken":
			return nil, &mcp.RPCError{Code: -32602, Message: "unknown tool"}
		case "verbose":
			return textResult(long), nil
		default:
			return textResult("Internal ERROR while querying"), nil
		}
	}}

	res := agent.NewToolLoop(gen, tools).Run(context.Background(), "q", agent.LoopOptions{})
	require.Len(t, res.Calls, 3)

	assert.Equal(t, domain.ToolStatusError, res.Calls[0].Status)
	assert.Contains(t, res.Calls[0].Result, `"error"`)
	assert.Equal(t, map[string]any{}, res.Calls[0].Arguments)

	assert.Equal(t, domain.ToolStatusSuccess, res.Calls[1].Status)
	assert.Equal(t, long[:500]+"...", res.Calls[1].Result)
	assert.Contains(t, res.ResultsText, long, "results text keeps the full output")

	assert.Equal(t, domain.ToolStatusError, res.Calls[2].Status)
}

func TestToolLoop_DoesNotMutateModelArgs(t *testing.T) {
	t.Parallel()

	args := map[string]any{"variable_dcid": "Count_Person", "date_range_start": "2020"}
	gen := &mockGenerator{generateFunc: func(n int, _ []gemini.Content) (*gemini.Response, error) {
		if n == 0 {
			return callResponse(gemini.FunctionCall{Name: "get_observations", Args: args}), nil
		}
		return answer("ok"), nil
	}}
	tools := &mockTools{declarations: someTools, callFunc: func(name string, a map[string]any) (*mcp.ToolResult, error) {
		fixed := mcp.FixArguments(name, a)
		assert.Equal(t, "range", fixed["date"])
		return textResult("{}"), nil
	}}

	res := agent.NewToolLoop(gen, tools).Run(context.Background(), "q", agent.LoopOptions{})
	require.Len(t, res.Calls, 1)
	assert.NotContains(t, res.Calls[0].Arguments, "date")
	assert.NotContains(t, args, "date")
}
