package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/agent"
	"github.com/gosuda/mcproxy/internal/gemini"
)

// Streamer opens a streamed generation. *gemini.Gateway satisfies this
// interface.
type Streamer interface {
	Stream(ctx context.Context, contents []gemini.Content, opts gemini.Options) (*gemini.Stream, error)
}

// StreamerFactory binds a Streamer to the endpoint and key pool of a config
// snapshot.
type StreamerFactory func(apiBase string, keys []string) Streamer

// PassthroughHandler serves POST /api/gemini/chat/stream: text deltas of a
// plain chat turn followed by a [DONE] frame.
type PassthroughHandler struct {
	configs   agent.BackendSource
	streamers StreamerFactory
}

// NewPassthroughHandler creates the handler.
func NewPassthroughHandler(configs agent.BackendSource, streamers StreamerFactory) *PassthroughHandler {
	return &PassthroughHandler{configs: configs, streamers: streamers}
}

func (h *PassthroughHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req gemini.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Request body is required")
		return
	}
	if req.Empty() {
		writeJSONError(w, http.StatusBadRequest, "Message or document is required")
		return
	}

	cfg, err := h.configs.Load()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Config not loaded")
		return
	}
	keys := cfg.APIKeyPool()
	if len(keys) == 0 {
		writeJSONError(w, http.StatusInternalServerError, "Gemini API key not configured")
		return
	}

	sw := begin(w)
	ctx := r.Context()

	stream, err := h.streamers(cfg.Gemini.APIBase, keys).Stream(ctx, req.Contents(), req.Options(cfg.Gemini.MCPModel))
	if err != nil {
		log.Error().Err(err).Msg("sse: gemini stream failed")
		_ = sw.event(agent.ErrorEvent{Error: err.Error()})
		return
	}
	defer stream.Close()

	for delta, err := range stream.Texts() {
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("sse: gemini stream interrupted")
				_ = sw.event(agent.ErrorEvent{Error: err.Error()})
			}
			return
		}
		if err := sw.event(agent.TextEvent{Text: delta}); err != nil {
			return
		}
	}
	_ = sw.raw("[DONE]")
}

func (s *writer) raw(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("sse.writer.raw: %w", err)
	}
	return s.flush()
}
