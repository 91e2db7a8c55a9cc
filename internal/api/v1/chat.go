package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/gemini"
)

type GeminiChatInput struct {
	Body gemini.ChatRequest
}

type GeminiChatOutput struct {
	Status int
	Body   struct {
		Success  bool   `json:"success"`
		Response string `json:"response,omitempty"`
		Error    string `json:"error,omitempty"`
	}
}

// RegisterChatRoutes registers POST /api/gemini/chat, a buffered chat call
// without tools or retrieval.
func RegisterChatRoutes(api huma.API, configs ConfigSource, llms LLMFactory) {
	huma.Register(api, huma.Operation{
		OperationID: "gemini-chat",
		Method:      http.MethodPost,
		Path:        "/api/gemini/chat",
		Summary:     "Plain chat completion",
		Tags:        []string{"Chat"},
	}, func(ctx context.Context, input *GeminiChatInput) (*GeminiChatOutput, error) {
		out := &GeminiChatOutput{Status: http.StatusOK}
		if input.Body.Empty() {
			out.Status = http.StatusBadRequest
			out.Body.Error = "Message or document is required"
			return out, nil
		}

		cfg, err := configs.Load()
		if err != nil {
			out.Status = http.StatusInternalServerError
			out.Body.Error = "Config not loaded"
			return out, nil
		}
		keys := cfg.APIKeyPool()
		if len(keys) == 0 {
			out.Status = http.StatusInternalServerError
			out.Body.Error = "Gemini API key not configured"
			return out, nil
		}

		req := input.Body
		resp, err := llms(cfg.Gemini.APIBase, keys).Generate(ctx, req.Contents(), req.Options(cfg.Gemini.MCPModel))
		if err != nil {
			log.Error().Err(err).Msg("api: gemini chat failed")
			out.Status = http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				out.Status = http.StatusGatewayTimeout
			}
			out.Body.Error = err.Error()
			return out, nil
		}

		text := resp.Text()
		if text == "" {
			out.Status = http.StatusInternalServerError
			out.Body.Error = "No response from model"
			return out, nil
		}
		out.Body.Success = true
		out.Body.Response = text
		return out, nil
	})
}
