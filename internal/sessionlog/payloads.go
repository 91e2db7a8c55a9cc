package sessionlog

import (
	"encoding/json"
	"math"
	"time"

	"github.com/gosuda/mcproxy/internal/domain"
)

// Truncation limits for logged payloads.
const (
	ToolResultLimit  = 2000
	LLMResponseLimit = 5000
	PreviewLimit     = 500
)

// UserMessage is the USER_MESSAGE payload.
type UserMessage struct {
	Message         string `json:"message"`
	HistoryMessages int    `json:"history_messages"`
}

// LLMRequest is the GEMINI_REQUEST payload.
type LLMRequest struct {
	Model    string         `json:"model"`
	Endpoint string         `json:"endpoint"`
	Payload  LLMRequestInfo `json:"payload"`
}

// LLMRequestInfo summarizes an outgoing LLM request without its contents.
type LLMRequestInfo struct {
	Messages       int     `json:"messages"`
	HasTools       bool    `json:"has_tools"`
	Temperature    float64 `json:"temperature"`
	ThinkingBudget *int    `json:"thinking_budget,omitempty"`
	Structured     bool    `json:"structured_output,omitempty"`
	Stream         bool    `json:"stream"`
	KeyCount       int     `json:"key_count"`
}

// LLMResponse is the GEMINI_RESPONSE payload.
type LLMResponse struct {
	Model      string  `json:"model"`
	DurationMS float64 `json:"duration_ms"`
	Response   any     `json:"response"`
}

// Truncated replaces a payload that exceeded its size limit.
type Truncated struct {
	Truncated bool   `json:"_truncated"`
	Length    int    `json:"length"`
	Preview   string `json:"preview"`
}

// KeyRotation is the GEMINI_KEY_ROTATION / KB_KEY_ROTATION payload.
type KeyRotation struct {
	Attempt   int    `json:"attempt"`
	TotalKeys int    `json:"total_keys"`
	Reason    string `json:"reason"`
}

// StreamComplete is the GEMINI_STREAM_COMPLETE payload.
type StreamComplete struct {
	Chunks      int    `json:"chunks"`
	TotalLength int    `json:"total_length"`
	Preview     string `json:"preview"`
}

// ToolRequest is the MCP_TOOL_REQUEST payload.
type ToolRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResponse is the MCP_TOOL_RESPONSE payload.
type ToolResponse struct {
	ToolName   string            `json:"tool_name"`
	DurationMS float64           `json:"duration_ms"`
	Status     domain.ToolStatus `json:"status"`
	Result     string            `json:"result"`
}

// KBQuery is the KB_QUERY payload.
type KBQuery struct {
	Query         string  `json:"query"`
	DurationMS    float64 `json:"duration_ms"`
	ResultLength  int     `json:"result_length"`
	ResultPreview string  `json:"result_preview"`
}

// SynthesisStart is the SYNTHESIS_START payload.
type SynthesisStart struct {
	ContextSources []string `json:"context_sources"`
}

// FinalResponse is the FINAL_RESPONSE payload.
type FinalResponse struct {
	TextLength      int                 `json:"text_length"`
	TextPreview     string              `json:"text_preview"`
	ChartConfig     *domain.ChartConfig `json:"chart_config"`
	TotalDurationMS float64             `json:"total_duration_ms"`
}

// NewLLMResponse builds a GEMINI_RESPONSE payload, replacing responses whose
// JSON form exceeds LLMResponseLimit with a Truncated preview.
func NewLLMResponse(model string, response any, elapsed time.Duration) LLMResponse {
	return LLMResponse{
		Model:      model,
		DurationMS: Millis(elapsed),
		Response:   truncateJSON(response, LLMResponseLimit),
	}
}

// NewToolResponse builds an MCP_TOOL_RESPONSE payload.
func NewToolResponse(tool string, result string, status domain.ToolStatus, elapsed time.Duration) ToolResponse {
	return ToolResponse{
		ToolName:   tool,
		DurationMS: Millis(elapsed),
		Status:     status,
		Result:     domain.Truncate(result, ToolResultLimit),
	}
}

// NewKBQuery builds a KB_QUERY payload.
func NewKBQuery(query, result string, elapsed time.Duration) KBQuery {
	return KBQuery{
		Query:         query,
		DurationMS:    Millis(elapsed),
		ResultLength:  len(result),
		ResultPreview: domain.Truncate(result, PreviewLimit),
	}
}

// NewFinalResponse builds a FINAL_RESPONSE payload.
func NewFinalResponse(text string, chart *domain.ChartConfig, total time.Duration) FinalResponse {
	return FinalResponse{
		TextLength:      len(text),
		TextPreview:     domain.Truncate(text, PreviewLimit),
		ChartConfig:     chart,
		TotalDurationMS: Millis(total),
	}
}

// NewError builds an ERROR payload.
func NewError(errorType string, err error, context map[string]any) domain.ErrorPayload {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return domain.ErrorPayload{ErrorType: errorType, ErrorMessage: msg, Context: context}
}

// Millis converts d to milliseconds rounded to two decimals.
func Millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func truncateJSON(v any, limit int) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	if len(raw) <= limit {
		return json.RawMessage(raw)
	}
	return Truncated{Truncated: true, Length: len(raw), Preview: string(raw[:limit])}
}
