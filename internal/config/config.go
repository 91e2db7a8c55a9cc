package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process configuration loaded from environment variables.
// Model, credential and prompt settings live in the backend config file
// (see BackendStore) so they can change without a restart.
type Config struct {
	Server     ServerConfig
	MCP        MCPConfig
	Backend    BackendConfig
	SessionLog SessionLogConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	RateLimit  RateLimitConfig
	Agent      AgentConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// MCPConfig holds settings for the upstream MCP tool server.
type MCPConfig struct {
	URL           string
	Timeout       time.Duration
	NotifyTimeout time.Duration
	ToolsCacheTTL time.Duration // 0 keeps the first successful listing for the process lifetime
}

// BackendConfig locates the hot-reloaded backend config file.
type BackendConfig struct {
	Path string
}

// SessionLogConfig holds session audit log settings.
type SessionLogConfig struct {
	Dir string
}

// RedisConfig holds Redis connection settings. Redis is optional; an empty
// Addr disables live session streaming.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// DatabaseConfig holds PostgreSQL settings. An empty URL disables durable
// session log storage.
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// Enabled reports whether a database URL is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// RateLimitConfig bounds chat stream requests per client IP.
type RateLimitConfig struct {
	ChatRPS   float64
	ChatBurst int
}

// AgentConfig tunes the tool-calling loop.
type AgentConfig struct {
	MaxToolIterations int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	readTimeout, err := getEnvDuration("MCPROXY_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("MCPROXY_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	mcpTimeout, err := getEnvDuration("MCPROXY_MCP_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	notifyTimeout, err := getEnvDuration("MCPROXY_MCP_NOTIFY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	toolsTTL, err := getEnvDuration("MCPROXY_TOOLS_CACHE_TTL", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("MCPROXY_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("MCPROXY_DATABASE_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	chatRPS, err := getEnvFloat("MCPROXY_CHAT_RATE_LIMIT", 2)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	chatBurst, err := getEnvInt("MCPROXY_CHAT_RATE_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxIterations, err := getEnvInt("MCPROXY_MAX_TOOL_ITERATIONS", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("MCPROXY_SERVER_ADDR", ":5001"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("MCPROXY_CORS_ORIGINS", []string{"*"}),
		},
		MCP: MCPConfig{
			URL:           getEnv("MCPROXY_MCP_URL", "http://localhost:3000/mcp"),
			Timeout:       mcpTimeout,
			NotifyTimeout: notifyTimeout,
			ToolsCacheTTL: toolsTTL,
		},
		Backend: BackendConfig{
			Path: getEnv("MCPROXY_BACKEND_CONFIG", "config.json"),
		},
		SessionLog: SessionLogConfig{
			Dir: getEnv("MCPROXY_SESSION_LOG_DIR", "logs"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("MCPROXY_REDIS_ADDR", ""),
			Password: getEnv("MCPROXY_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Database: DatabaseConfig{
			URL:      getEnv("MCPROXY_DATABASE_URL", ""),
			MaxConns: dbMaxConns,
		},
		RateLimit: RateLimitConfig{
			ChatRPS:   chatRPS,
			ChatBurst: chatBurst,
		},
		Agent: AgentConfig{
			MaxToolIterations: maxIterations,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.MCP.URL == "" {
		return errors.New("MCPROXY_MCP_URL is required")
	}
	u, err := url.Parse(c.MCP.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("MCPROXY_MCP_URL must be an absolute URL, got %q", c.MCP.URL)
	}

	if c.Backend.Path == "" {
		return errors.New("MCPROXY_BACKEND_CONFIG is required")
	}
	if c.SessionLog.Dir == "" {
		return errors.New("MCPROXY_SESSION_LOG_DIR is required")
	}

	// Bounds checks.
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("MCPROXY_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("MCPROXY_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.MCP.Timeout <= 0 {
		return fmt.Errorf("MCPROXY_MCP_TIMEOUT must be positive, got %s", c.MCP.Timeout)
	}
	if c.MCP.NotifyTimeout <= 0 {
		return fmt.Errorf("MCPROXY_MCP_NOTIFY_TIMEOUT must be positive, got %s", c.MCP.NotifyTimeout)
	}
	if c.MCP.ToolsCacheTTL < 0 {
		return fmt.Errorf("MCPROXY_TOOLS_CACHE_TTL must not be negative, got %s", c.MCP.ToolsCacheTTL)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("MCPROXY_REDIS_DB must be >= 0, got %d", c.Redis.DB)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("MCPROXY_DATABASE_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.RateLimit.ChatRPS <= 0 {
		return fmt.Errorf("MCPROXY_CHAT_RATE_LIMIT must be positive, got %g", c.RateLimit.ChatRPS)
	}
	if c.RateLimit.ChatBurst < 1 {
		return fmt.Errorf("MCPROXY_CHAT_RATE_BURST must be >= 1, got %d", c.RateLimit.ChatBurst)
	}
	if c.Agent.MaxToolIterations < 1 {
		return fmt.Errorf("MCPROXY_MAX_TOOL_ITERATIONS must be >= 1, got %d", c.Agent.MaxToolIterations)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return splitList(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
