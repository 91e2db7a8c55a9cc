// Package mcp talks JSON-RPC 2.0 to a streamable-HTTP MCP tool server.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	ProtocolVersion = "2024-11-05"
	SessionHeader   = "Mcp-Session-Id"

	defaultTimeout       = 120 * time.Second
	defaultNotifyTimeout = 5 * time.Second
	maxSSELine           = 16 << 20
)

// Sentinel errors.
var (
	ErrUnreachable = errors.New("mcp: server unreachable") //nolint:gochecknoglobals // sentinel error
	ErrNoResult    = errors.New("mcp: no result")          //nolint:gochecknoglobals // sentinel error
)

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client sends JSON-RPC requests over HTTP POST and tracks the server's
// session header across calls. It is safe for concurrent use.
type Client struct {
	endpoint      string
	httpClient    *http.Client
	timeout       time.Duration
	notifyTimeout time.Duration

	mu        sync.Mutex
	sessionID string
	lastID    int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithNotifyTimeout sets the timeout used for notifications.
func WithNotifyTimeout(d time.Duration) Option {
	return func(c *Client) { c.notifyTimeout = d }
}

// NewClient creates a client for the MCP endpoint URL.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:      strings.TrimSpace(endpoint),
		httpClient:    &http.Client{},
		timeout:       defaultTimeout,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the server URL.
func (c *Client) Endpoint() string { return c.endpoint }

// SessionID returns the last session id the server announced.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ResetSession forgets the tracked session id.
func (c *Client) ResetSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

// Send issues a request and returns the raw JSON-RPC result. Failures are
// returned as errors: *RPCError for protocol errors, ErrUnreachable when the
// server cannot be dialed.
func (c *Client) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID()
	return c.do(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}, c.timeout)
}

// Notify sends a notification (no id) and discards the reply.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	_, err := c.do(ctx, rpcRequest{JSONRPC: "2.0", Method: method, Params: params}, c.notifyTimeout)
	return err
}

// nextID returns a millisecond timestamp, bumped to stay strictly increasing.
func (c *Client) nextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := time.Now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

func (c *Client) do(ctx context.Context, msg rpcRequest, timeout time.Duration) (json.RawMessage, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mcp.Client.Send %s: marshal: %w", msg.Method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("mcp.Client.Send %s: %w", msg.Method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := c.SessionID(); sid != "" {
		req.Header.Set(SessionHeader, sid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isDialError(err) {
			return nil, fmt.Errorf("%w: cannot connect to MCP server at %s. Make sure it's running!", ErrUnreachable, c.endpoint)
		}
		return nil, fmt.Errorf("mcp.Client.Send %s: %w", msg.Method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.captureSession(resp.Header)

	if msg.ID == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		text := strings.TrimSpace(string(body))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("mcp.Client.Send %s: http status %d: %s", msg.Method, resp.StatusCode, text)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		result, err := readSSEResult(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("mcp.Client.Send %s: %w", msg.Method, err)
		}
		return result, nil
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("mcp.Client.Send %s: decode: %w", msg.Method, err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	if len(envelope.Result) == 0 {
		return nil, fmt.Errorf("mcp.Client.Send %s: %w", msg.Method, ErrNoResult)
	}
	return envelope.Result, nil
}

// readSSEResult scans data frames and returns the first result, or the first
// error frame. Undecodable frames are skipped.
func readSSEResult(r io.Reader) (json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var frame rpcResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			return nil, frame.Error
		}
		if len(frame.Result) > 0 && string(frame.Result) != "null" {
			return frame.Result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, ErrNoResult
}

func (c *Client) captureSession(h http.Header) {
	sid := headerValueIgnoreCase(h, SessionHeader)
	if sid == "" {
		return
	}
	c.mu.Lock()
	changed := c.sessionID != sid
	c.sessionID = sid
	c.mu.Unlock()
	if changed {
		log.Debug().Str("session_id", sid).Msg("mcp: session id updated")
	}
}

func headerValueIgnoreCase(h http.Header, key string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	for k, vals := range h {
		if strings.EqualFold(k, key) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
