package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/mcproxy/internal/agent"
	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
	"github.com/gosuda/mcproxy/internal/mcp"
	"github.com/gosuda/mcproxy/internal/metrics"
	"github.com/gosuda/mcproxy/internal/server"
	"github.com/gosuda/mcproxy/internal/sessionlog"
	"github.com/gosuda/mcproxy/internal/store/postgres"
	redisstore "github.com/gosuda/mcproxy/internal/store/redis"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	m := metrics.New()

	backend := config.NewBackendStore(cfg.Backend.Path)
	if watchErr := backend.Watch(); watchErr != nil {
		log.Warn().Err(watchErr).Str("path", backend.Path()).Msg("backend config hot reload disabled")
	}
	defer func() { _ = backend.Close() }()

	client := mcp.NewClient(cfg.MCP.URL,
		mcp.WithTimeout(cfg.MCP.Timeout),
		mcp.WithNotifyTimeout(cfg.MCP.NotifyTimeout),
	)
	session := mcp.NewSession(client, cfg.MCP.ToolsCacheTTL, m)
	gateway := gemini.New("", nil, gemini.WithMetrics(m))

	var (
		sinks       []sessionlog.Sink
		pubsub      *redisstore.PubSub
		sessionLogs domain.SessionLogRepository
	)

	// Connect to Redis for live session tails.
	if cfg.Redis.Enabled() {
		pubsub, err = redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = pubsub.Close() }()
		sinks = append(sinks, sessionlog.NewPublisherSink(pubsub, redisstore.SessionChannel))
	}

	// Connect to PostgreSQL for durable session logs.
	if cfg.Database.Enabled() {
		if cfg.Database.MaxConns > math.MaxInt32 {
			return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, storeErr := postgres.New(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if storeErr != nil {
			return storeErr
		}
		defer store.Close()
		sessionLogs = store.SessionLogs()
		sinks = append(sinks, sessionlog.NewRepositorySink(sessionLogs))
	}

	logs, err := sessionlog.NewManager(cfg.SessionLog.Dir,
		sessionlog.WithSinks(sinks...),
		sessionlog.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	orchestrator := agent.NewOrchestrator(backend, session, gateway, logs,
		agent.WithMetrics(m),
		agent.WithMaxIterations(cfg.Agent.MaxToolIterations),
	)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Warm the MCP session; requests retry on their own if this fails.
	go func() {
		if warmErr := session.EnsureReady(ctx); warmErr != nil {
			log.Warn().Err(warmErr).Str("mcp_url", cfg.MCP.URL).Msg("mcp server not ready at startup")
			return
		}
		log.Info().Str("mcp_url", cfg.MCP.URL).Str("mcp_session", session.SessionID()).Msg("mcp session ready")
	}()

	srv := server.New(ctx, server.Deps{
		Config:       cfg,
		Backend:      backend,
		Session:      session,
		Gateway:      gateway,
		Orchestrator: orchestrator,
		Metrics:      m,
		PubSub:       pubsub,
		SessionLogs:  sessionLogs,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("mcp_url", cfg.MCP.URL).Msg("starting server")
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case startErr := <-errCh:
		if startErr != nil {
			return startErr
		}
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}
