package agent

import "github.com/gosuda/mcproxy/internal/domain"

// Event is one frame of a chat turn stream. Each variant marshals to the
// JSON object sent to the client.
type Event interface {
	event()
}

// Stream status values.
const (
	StatusMCPStart       = "mcp_start"
	StatusMCPComplete    = "mcp_complete"
	StatusMCPSkipped     = "mcp_skipped"
	StatusKBStart        = "kb_start"
	StatusKBComplete     = "kb_complete"
	StatusSynthesisStart = "synthesis_start"
)

// SessionEvent opens every stream.
type SessionEvent struct {
	SessionID string `json:"session_id"`
}

// StatusEvent marks a phase transition.
type StatusEvent struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ToolCallEvent reports one completed tool call.
type ToolCallEvent struct {
	Type string `json:"type"`
	domain.ToolCallRecord
}

// MCPCompleteEvent ends the tool phase.
type MCPCompleteEvent struct {
	Status    string `json:"status"`
	ToolCount int    `json:"tool_count"`
}

// DataStatusEvent carries the data availability verdict.
type DataStatusEvent struct {
	DataStatus domain.DataStatus `json:"data_status"`
}

// SourcesEvent lists the knowledge base documents the answer may cite.
type SourcesEvent struct {
	Sources []domain.Source `json:"kb_sources"`
}

// TextEvent is one delta of the synthesized answer.
type TextEvent struct {
	Text string `json:"text"`
}

// ErrorEvent reports a failure the client should display.
type ErrorEvent struct {
	Error string `json:"error"`
}

// DoneEvent terminates the stream.
type DoneEvent struct {
	ChartConfig domain.ChartConfig `json:"chart_config"`
	Done        bool               `json:"done"`
	DurationMS  int64              `json:"duration_ms"`
}

func (SessionEvent) event()     {}
func (StatusEvent) event()      {}
func (ToolCallEvent) event()    {}
func (MCPCompleteEvent) event() {}
func (DataStatusEvent) event()  {}
func (SourcesEvent) event()     {}
func (TextEvent) event()        {}
func (ErrorEvent) event()       {}
func (DoneEvent) event()        {}

// NewToolCallEvent wraps a tool call record.
func NewToolCallEvent(r domain.ToolCallRecord) ToolCallEvent {
	return ToolCallEvent{Type: "tool_call", ToolCallRecord: r}
}
