package sse_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/mcproxy/internal/api/sse"
	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/gemini"
)

// newLLM fakes streamGenerateContent. The first request body is delivered on
// the returned channel.
func newLLM(t *testing.T, status int, deltas ...string) (*httptest.Server, <-chan map[string]any) {
	t.Helper()

	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		select {
		case bodies <- body:
		default:
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			_, _ = fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", d)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, bodies
}

func passthrough(configs *mockConfigs) *sse.PassthroughHandler {
	return sse.NewPassthroughHandler(configs, func(base string, keys []string) sse.Streamer {
		return gemini.New(base, keys)
	})
}

func backendAt(url string, keys ...string) *mockConfigs {
	return &mockConfigs{backend: &config.Backend{Gemini: config.GeminiSettings{
		APIBase:  url,
		APIKeys:  keys,
		MCPModel: "gemini-2.5-flash",
	}}}
}

func TestPassthroughHandler_Streams(t *testing.T) {
	t.Parallel()

	llm, sent := newLLM(t, http.StatusOK, "Hel", "lo")
	rec := post(passthrough(backendAt(llm.URL, "k1")), "/api/gemini/chat/stream",
		`{"message":"hi","systemInstruction":"be brief","document":{"data":"QUJD","mimeType":"text/plain"}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"data: {\"text\":\"Hel\"}\n\n"+
			"data: {\"text\":\"lo\"}\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())

	body := <-sent
	contents := body["contents"].([]any)
	require.Len(t, contents, 1)
	parts := contents[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, map[string]any{"mimeType": "text/plain", "data": "QUJD"}, parts[0].(map[string]any)["inlineData"])
	gen := body["generationConfig"].(map[string]any)
	assert.InDelta(t, 40, gen["topK"], 0)
}

func TestPassthroughHandler_UpstreamFailure(t *testing.T) {
	t.Parallel()

	llm, _ := newLLM(t, http.StatusServiceUnavailable)
	rec := post(passthrough(backendAt(llm.URL, "k1", "k2")), "/api/gemini/chat/stream", `{"message":"hi"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `data: {"error":"`)
	assert.Contains(t, rec.Body.String(), "all 2 API keys failed")
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestPassthroughHandler_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configs    *mockConfigs
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "no body", configs: backendAt("http://x", "k"), body: "", wantStatus: http.StatusBadRequest, wantError: "Request body is required"},
		{name: "empty turn", configs: backendAt("http://x", "k"), body: `{}`, wantStatus: http.StatusBadRequest, wantError: "Message or document is required"},
		{name: "no config", configs: &mockConfigs{err: config.ErrNotLoaded}, body: `{"message":"hi"}`, wantStatus: http.StatusInternalServerError, wantError: "Config not loaded"},
		{name: "no keys", configs: backendAt("http://x"), body: `{"message":"hi"}`, wantStatus: http.StatusInternalServerError, wantError: "Gemini API key not configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := post(passthrough(tt.configs), "/api/gemini/chat/stream", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tt.wantError), rec.Body.String())
		})
	}
}
