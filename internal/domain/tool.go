package domain

// ToolDeclaration describes a callable MCP tool in the shape the LLM's
// function-calling API expects.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolStatus is the outcome tag of a tool invocation.
type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// ToolCallRecord is one tool invocation as reported to the client.
// Result is truncated for display.
type ToolCallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result"`
	Status    ToolStatus     `json:"status"`
}
