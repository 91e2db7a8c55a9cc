// Package gemini is a client for the hosted generateContent API that spreads
// calls across a pool of API keys.
package gemini

import (
	"strings"

	"github.com/gosuda/mcproxy/internal/domain"
)

// Roles used in Content.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Content is one conversation turn.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one element of a turn. Model turns may carry opaque thought
// signatures that must be sent back verbatim with the function call they
// belong to.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse returns a tool result to the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Blob is inline binary data such as an attached document.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// UserText builds a single-part user turn.
func UserText(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// FromHistory maps chat history to contents. The "assistant" role becomes
// "model"; anything else is sent as "user".
func FromHistory(history []domain.HistoryMessage) []Content {
	out := make([]Content, 0, len(history))
	for _, h := range history {
		role := RoleUser
		if h.Role == RoleModel || h.Role == "assistant" {
			role = RoleModel
		}
		out = append(out, Content{Role: role, Parts: []Part{{Text: h.Text}}})
	}
	return out
}

// Tool is an entry of the request tools list.
type Tool struct {
	FunctionDeclarations []domain.ToolDeclaration `json:"functionDeclarations,omitempty"`
	FileSearch           *FileSearch              `json:"fileSearch,omitempty"`
}

// FileSearch binds a request to a file search store.
type FileSearch struct {
	FileSearchStoreNames    []string                 `json:"fileSearchStoreNames"`
	DynamicFileSearchConfig *DynamicFileSearchConfig `json:"dynamicFileSearchConfig,omitempty"`
}

// DynamicFileSearchConfig lets the model decide when retrieval is needed.
type DynamicFileSearchConfig struct {
	Mode             string  `json:"mode"`
	DynamicThreshold float64 `json:"dynamicThreshold"`
}

// ThinkingConfig caps the model's reasoning tokens.
type ThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

// GenerationConfig holds sampling parameters.
type GenerationConfig struct {
	Temperature      float64         `json:"temperature"`
	TopP             float64         `json:"topP,omitempty"`
	TopK             int             `json:"topK,omitempty"`
	ThinkingConfig   *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseMIMEType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any  `json:"responseSchema,omitempty"`
}

// Request is the generateContent request body.
type Request struct {
	Contents          []Content        `json:"contents"`
	SystemInstruction *Content         `json:"systemInstruction,omitempty"`
	Tools             []Tool           `json:"tools,omitempty"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
}

// Response is the generateContent response body, and also the shape of each
// streamed chunk.
type Response struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// Candidate is one generated alternative.
type Candidate struct {
	Content           Content            `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// UsageMetadata reports token counts.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GroundingMetadata lists the retrieved chunks a grounded answer used.
type GroundingMetadata struct {
	GroundingChunks []GroundingChunk `json:"groundingChunks"`
}

// GroundingChunk is one retrieved chunk.
type GroundingChunk struct {
	RetrievedContext *RetrievedContext `json:"retrievedContext,omitempty"`
}

// RetrievedContext identifies the document a chunk came from.
type RetrievedContext struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// First returns the first candidate, or nil.
func (r *Response) First() *Candidate {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// Text concatenates the non-thought text parts of the first candidate.
func (r *Response) Text() string {
	c := r.First()
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		if !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// FunctionCalls returns the function calls of the first candidate in order.
func (r *Response) FunctionCalls() []FunctionCall {
	c := r.First()
	if c == nil {
		return nil
	}
	var calls []FunctionCall
	for _, p := range c.Content.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}
