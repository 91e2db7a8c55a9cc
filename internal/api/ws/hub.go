package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/sessionlog"
)

// Subscriber delivers payloads published on a channel. cleanup releases the
// subscription. *redis.PubSub satisfies this interface.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Hub relays live session log entries to WebSocket clients.
type Hub struct {
	subscriber Subscriber
	channel    func(sessionID string) string
	origins    []string
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins admits cross-origin handshakes from the given origins
// (e.g. "https://app.example.com"). A bare "*" is ignored: same-origin
// requests are always accepted and everything else must be listed.
func WithAllowedOrigins(origins ...string) HubOption {
	return func(h *Hub) {
		h.origins = originPatterns(origins)
	}
}

// NewHub creates a hub; channel maps a session id to its pub/sub channel.
func NewHub(subscriber Subscriber, channel func(sessionID string) string, opts ...HubOption) *Hub {
	h := &Hub{subscriber: subscriber, channel: channel}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// originPatterns reduces origins to the host patterns websocket.Accept
// matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// ServeSession streams the entries of session {sessionID} as text frames
// until either side goes away.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !sessionlog.ValidID(sessionID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Reading is required to observe close frames from the client.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.subscriber.Subscribe(ctx, h.channel(sessionID))
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
