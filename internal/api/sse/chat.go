// Package sse serves the streaming chat endpoint as Server-Sent Events.
package sse

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/agent"
	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/domain"
)

// DefaultHeartbeat is the interval of keepalive comments on idle streams.
const DefaultHeartbeat = 15 * time.Second

const maxBodyBytes = 1 << 20

// Runner runs one chat turn. *agent.Orchestrator satisfies this interface.
type Runner interface {
	Run(ctx context.Context, turn agent.Turn, emit func(agent.Event) error) error
}

// ChatHandler serves POST /api/chat/stream.
type ChatHandler struct {
	runner    Runner
	configs   agent.BackendSource
	heartbeat time.Duration
}

// Option configures a ChatHandler.
type Option func(*ChatHandler)

// WithHeartbeat sets the keepalive interval. Zero disables keepalives.
func WithHeartbeat(d time.Duration) Option {
	return func(h *ChatHandler) { h.heartbeat = d }
}

// NewChatHandler creates the handler. configs supplies the override key.
func NewChatHandler(runner Runner, configs agent.BackendSource, opts ...Option) *ChatHandler {
	h := &ChatHandler{runner: runner, configs: configs, heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type chatRequest struct {
	Message   string                  `json:"message"`
	History   []domain.HistoryMessage `json:"history"`
	SessionID string                  `json:"session_id"`
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "Message required")
		return
	}

	turn := agent.Turn{
		Message:   req.Message,
		History:   req.History,
		SessionID: req.SessionID,
		Overrides: h.overrides(r),
	}

	sw := begin(w)

	ctx := r.Context()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	if h.heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw.keepAlive(ctx, h.heartbeat, stop)
		}()
	}

	err := h.runner.Run(ctx, turn, sw.event)
	close(stop)
	wg.Wait()

	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("sse: chat stream ended early")
	}
}

// overrides returns the query parameter overrides when the request carries
// the configured key. An unset key disables overrides.
func (h *ChatHandler) overrides(r *http.Request) config.Overrides {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		return config.Overrides{}
	}

	cfg, err := h.configs.Load()
	if err != nil || cfg.QueryParamKey == "" {
		return config.Overrides{}
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.QueryParamKey)) != 1 {
		log.Warn().Msg("sse: invalid query param key, ignoring overrides")
		return config.Overrides{}
	}

	o := config.Overrides{
		Model:             q.Get("model"),
		MCPThinking:       q.Get("mcp_thinking"),
		SynthesisThinking: q.Get("synthesis_thinking"),
	}
	if kb := q.Get("kb"); kb != "" {
		enabled := strings.EqualFold(kb, "true")
		o.KB = &enabled
	}
	if !o.Empty() {
		log.Info().Interface("overrides", o).Msg("sse: query param overrides applied")
	}
	return o
}

// begin writes the event stream headers. Streams outlive the server write
// timeout, so the deadline is cleared.
func begin(w http.ResponseWriter) *writer {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Debug().Err(err).Msg("sse: clear write deadline")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &writer{w: w, rc: rc}
	_ = sw.flush()
	return sw
}

// writer serializes frames from the turn and the keepalive loop.
type writer struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *writer) event(e agent.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sse.writer.event: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return fmt.Errorf("sse.writer.event: %w", err)
	}
	return s.flush()
}

func (s *writer) keepAlive(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			_, err := fmt.Fprint(s.w, ": keepalive\n\n")
			if err == nil {
				err = s.flush()
			}
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *writer) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("sse.writer.flush: %w", err)
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
