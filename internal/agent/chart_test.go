package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/mcproxy/internal/agent"
	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
)

func TestChartAdvisor_Advise(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{generateFunc: func(int, []gemini.Content) (*gemini.Response, error) {
		return answer(`{"should_render":true,"viz_type":"line","title":"Population of India","variable_dcids":["Count_Person"],"place_dcids":["country/IND"]}`), nil
	}}

	results := strings.Repeat("r", 5000)
	got := agent.NewChartAdvisor(gen).Advise(context.Background(), "gemini-3-flash-preview", "population of india", results)

	assert.Equal(t, domain.ChartConfig{
		ShouldRender:  true,
		VizType:       "line",
		Title:         "Population of India",
		VariableDCIDs: []string{"Count_Person"},
		PlaceDCIDs:    []string{"country/IND"},
	}, got)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.opts, 1)
	opts := gen.opts[0]
	assert.InDelta(t, 0.2, opts.Temperature, 1e-9)
	assert.Equal(t, agent.ChartSchema(), opts.ResponseSchema)
	assert.True(t, strings.HasPrefix(opts.SystemInstruction, "You are a data visualization expert"))

	prompt := gen.requests[0][0].Parts[0].Text
	assert.Contains(t, prompt, "User Query: population of india")
	assert.Contains(t, prompt, strings.Repeat("r", 3000))
	assert.NotContains(t, prompt, strings.Repeat("r", 3001))
}

func TestChartAdvisor_Fallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		results string
		resp    *gemini.Response
		err     error
		calls   int
	}{
		{"no results", "", answer(`{"should_render":true}`), nil, 0},
		{"gateway error", "data", nil, errors.New("exhausted"), 1},
		{"not json", "data", answer("a line chart would be nice"), nil, 1},
		{"no candidates", "data", &gemini.Response{}, nil, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			gen := &mockGenerator{generateFunc: func(int, []gemini.Content) (*gemini.Response, error) {
				return tc.resp, tc.err
			}}
			got := agent.NewChartAdvisor(gen).Advise(context.Background(), "m", "q", tc.results)
			assert.Equal(t, domain.ChartConfig{}, got)
			assert.False(t, got.ShouldRender)
			assert.Len(t, gen.requests, tc.calls)
		})
	}
}

func TestChartSchema_Enum(t *testing.T) {
	t.Parallel()

	props := agent.ChartSchema()["properties"].(map[string]any)
	viz := props["viz_type"].(map[string]any)
	assert.Len(t, viz["enum"], 9)
	assert.Equal(t, []any{"should_render"}, agent.ChartSchema()["required"])
}
