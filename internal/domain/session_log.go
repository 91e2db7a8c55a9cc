package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a session log entry kind.
type EventType string

const (
	EventUserMessage          EventType = "USER_MESSAGE"
	EventQueryParamsOverride  EventType = "QUERY_PARAMS_OVERRIDE"
	EventGeminiRequest        EventType = "GEMINI_REQUEST"
	EventGeminiResponse       EventType = "GEMINI_RESPONSE"
	EventGeminiStreamComplete EventType = "GEMINI_STREAM_COMPLETE"
	EventGeminiKeyRotation    EventType = "GEMINI_KEY_ROTATION"
	EventKBKeyRotation        EventType = "KB_KEY_ROTATION"
	EventMCPToolRequest       EventType = "MCP_TOOL_REQUEST"
	EventMCPToolResponse      EventType = "MCP_TOOL_RESPONSE"
	EventMCPLoopIteration     EventType = "MCP_LOOP_ITERATION"
	EventMCPLoopComplete      EventType = "MCP_LOOP_COMPLETE"
	EventMCPLoopMaxIterations EventType = "MCP_LOOP_MAX_ITERATIONS"
	EventMCPInitAttempt       EventType = "MCP_INIT_ATTEMPT"
	EventMCPInitSuccess       EventType = "MCP_INIT_SUCCESS"
	EventMCPInitFailed        EventType = "MCP_INIT_FAILED"
	EventMCPToolsAvailable    EventType = "MCP_TOOLS_AVAILABLE"
	EventMCPNoTools           EventType = "MCP_NO_TOOLS"
	EventMCPSkipped           EventType = "MCP_SKIPPED"
	EventKBQuery              EventType = "KB_QUERY"
	EventKBSources            EventType = "KB_SOURCES"
	EventSynthesisStart       EventType = "SYNTHESIS_START"
	EventFinalResponse        EventType = "FINAL_RESPONSE"
	EventError                EventType = "ERROR"
)

// SessionLogEntry is one immutable record in a session's audit trail.
type SessionLogEntry struct {
	ID        uuid.UUID       `json:"id"`
	SessionID string          `json:"session_id"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionLogRepository stores and retrieves ordered log entries per session.
type SessionLogRepository interface {
	Append(ctx context.Context, entry *SessionLogEntry) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*SessionLogEntry, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}

// Recorder receives session events from components that do not own the
// session log (gateway, tool loop, MCP session). Implementations must be
// safe for concurrent use and must not fail the caller.
type Recorder interface {
	Record(eventType EventType, payload any)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) Record(EventType, any) {}

// RecorderOrNop returns r, or a NopRecorder when r is nil.
func RecorderOrNop(r Recorder) Recorder {
	if r == nil {
		return NopRecorder{}
	}
	return r
}

// ErrorPayload is the body of an ERROR event.
type ErrorPayload struct {
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	Context      map[string]any `json:"context,omitempty"`
}
