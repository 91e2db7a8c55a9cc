package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
)

const (
	chartTemperature  = 0.2
	chartResultsLimit = 3000

	chartSystemPrompt = "You are a data visualization expert. Extract chart configuration from data results."
)

// Supported visualization types.
var vizTypes = []any{"line", "bar", "map", "ranking", "pie", "highlight", "gauge", "scatter", "slider"} //nolint:gochecknoglobals // schema enum

// ChartSchema is the structured-output schema of domain.ChartConfig.
func ChartSchema() map[string]any {
	stringList := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"should_render": map[string]any{
				"type":        "boolean",
				"description": "True if chart should be rendered (data exists)",
			},
			"viz_type":         map[string]any{"type": "string", "enum": vizTypes},
			"title":            map[string]any{"type": "string"},
			"variable_dcids":   stringList,
			"place_dcids":      stringList,
			"parent_place":     map[string]any{"type": "string"},
			"child_place_type": map[string]any{"type": "string"},
		},
		"required": []any{"should_render"},
	}
}

// ChartAdvisor asks the model how the tool results could be charted.
type ChartAdvisor struct {
	llm Generator
}

// NewChartAdvisor creates an advisor backed by llm.
func NewChartAdvisor(llm Generator) *ChartAdvisor {
	return &ChartAdvisor{llm: llm}
}

// Advise returns a chart config for the results. Empty results, call
// failures and unparseable output all yield a config that does not render.
func (a *ChartAdvisor) Advise(ctx context.Context, model, userMessage, results string) domain.ChartConfig {
	if strings.TrimSpace(results) == "" {
		return domain.ChartConfig{}
	}

	resp, err := a.llm.Generate(ctx, []gemini.Content{gemini.UserText(chartPrompt(userMessage, results))}, gemini.Options{
		Model:             model,
		SystemInstruction: chartSystemPrompt,
		Temperature:       chartTemperature,
		ResponseSchema:    ChartSchema(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("agent: chart config request failed")
		return domain.ChartConfig{}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return domain.ChartConfig{}
	}

	var cfg domain.ChartConfig
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		log.Warn().Err(err).Msg("agent: chart config parse error")
		return domain.ChartConfig{}
	}
	return cfg
}

func chartPrompt(userMessage, results string) string {
	var b strings.Builder
	b.WriteString("Based on the data query and results, determine if a chart should be rendered.\n\n")
	b.WriteString("User Query: ")
	b.WriteString(userMessage)
	b.WriteString("\n\nData Results:\n")
	b.WriteString(truncateRunes(results, chartResultsLimit))
	b.WriteString("\n\nExtract variable DCIDs and place DCIDs from the results. Choose appropriate viz_type based on data type.\n")
	b.WriteString("If no meaningful data for visualization, set should_render to false.")
	return b.String()
}

// truncateRunes cuts s to at most n runes without adding a marker.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
