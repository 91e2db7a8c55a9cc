package gemini

import "github.com/gosuda/mcproxy/internal/domain"

// Generation settings of the plain chat endpoints.
const (
	PassthroughTemperature = 1.0
	PassthroughTopP        = 0.95
	PassthroughTopK        = 40

	defaultDocumentMIME = "application/pdf"
)

// Document is a base64 file attached to a plain chat turn.
type Document struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType,omitempty"`
}

// ChatRequest is a plain chat turn sent without tools or retrieval.
type ChatRequest struct {
	Message           string                  `json:"message,omitempty"`
	History           []domain.HistoryMessage `json:"history,omitempty"`
	Document          *Document               `json:"document,omitempty"`
	SystemInstruction string                  `json:"systemInstruction,omitempty"`
}

// Empty reports whether the turn has neither text nor a document.
func (r ChatRequest) Empty() bool {
	return r.Message == "" && r.Document == nil
}

// Contents returns the history followed by one user turn holding the
// document (if any) and then the message.
func (r ChatRequest) Contents() []Content {
	contents := FromHistory(r.History)

	var parts []Part
	if r.Document != nil {
		mime := r.Document.MIMEType
		if mime == "" {
			mime = defaultDocumentMIME
		}
		parts = append(parts, Part{InlineData: &Blob{MIMEType: mime, Data: r.Document.Data}})
	}
	if r.Message != "" {
		parts = append(parts, Part{Text: r.Message})
	}
	return append(contents, Content{Role: RoleUser, Parts: parts})
}

// Options returns the passthrough generation options for model.
func (r ChatRequest) Options(model string) Options {
	return Options{
		Model:             model,
		SystemInstruction: r.SystemInstruction,
		Temperature:       PassthroughTemperature,
		TopP:              PassthroughTopP,
		TopK:              PassthroughTopK,
	}
}
