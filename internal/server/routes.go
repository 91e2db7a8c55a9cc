package server

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/gosuda/mcproxy/internal/api/sse"
	v1 "github.com/gosuda/mcproxy/internal/api/v1"
	"github.com/gosuda/mcproxy/internal/api/ws"
)

func registerAPIRoutes(api huma.API, deps Deps) {
	v1.RegisterHealthRoutes(api, deps.Config.MCP.URL, deps.Session, deps.Backend)
	v1.RegisterToolRoutes(api, deps.Session)
	v1.RegisterChatRoutes(api, deps.Backend, func(apiBase string, keys []string) v1.LLM {
		return deps.Gateway.With(apiBase, keys)
	})
	v1.RegisterSessionRoutes(api, deps.SessionLogs)
}

func registerStreamRoutes(r chi.Router, deps Deps) {
	r.Method(http.MethodPost, "/api/chat/stream", sse.NewChatHandler(deps.Orchestrator, deps.Backend))
	r.Method(http.MethodPost, "/api/gemini/chat/stream", sse.NewPassthroughHandler(deps.Backend, func(apiBase string, keys []string) sse.Streamer {
		return deps.Gateway.With(apiBase, keys)
	}))
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/sessions/{sessionID}", hub.ServeSession)
}
