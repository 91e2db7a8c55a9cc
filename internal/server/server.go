package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/agent"
	"github.com/gosuda/mcproxy/internal/api/ws"
	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
	"github.com/gosuda/mcproxy/internal/mcp"
	"github.com/gosuda/mcproxy/internal/metrics"
	"github.com/gosuda/mcproxy/internal/server/middleware"
	redisstore "github.com/gosuda/mcproxy/internal/store/redis"
	"github.com/gosuda/mcproxy/web"
)

// Deps are the collaborators the HTTP surface is built from. PubSub and
// SessionLogs are optional.
type Deps struct {
	Config       *config.Config
	Backend      *config.BackendStore
	Session      *mcp.Session
	Gateway      *gemini.Gateway
	Orchestrator *agent.Orchestrator
	Metrics      *metrics.Metrics
	PubSub       *redisstore.PubSub
	SessionLogs  domain.SessionLogRepository
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
}

// New creates a Server with all routes wired. ctx bounds background work of
// the middleware such as limiter cleanup.
func New(ctx context.Context, deps Deps) *Server {
	cfg := deps.Config
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger(log.Logger))
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// JSON operations.
	apiConfig := huma.DefaultConfig("mcproxy API", "1.0.0")
	api := humachi.New(router, apiConfig)
	registerAPIRoutes(api, deps)

	// Streaming chat, rate limited per client.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, cfg.RateLimit.ChatRPS, cfg.RateLimit.ChatBurst))
		registerStreamRoutes(r, deps)
	})

	// Live session tail: real hub if Redis is configured, 501 placeholder otherwise.
	router.Route("/ws", func(r chi.Router) {
		if deps.PubSub != nil {
			registerWSRoutes(r, ws.NewHub(deps.PubSub, redisstore.SessionChannel,
				ws.WithAllowedOrigins(cfg.Server.CORSOrigins...),
			))
		} else {
			r.Get("/sessions/{sessionID}", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotImplemented)
			})
		}
	})

	router.Handle("/metrics", deps.Metrics.Handler())
	router.Get("/", web.Landing(cfg.MCP.URL).ServeHTTP)

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("server: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
