package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/metrics"
	"github.com/gosuda/mcproxy/internal/sessionlog"
)

const (
	DefaultTimeout = 120 * time.Second
	GroundTimeout  = 60 * time.Second

	// APIKeyHeader carries the credential so it never appears in URLs or
	// the error strings derived from them.
	APIKeyHeader = "x-goog-api-key"

	DatetimePlaceholder = "{{CURRENT_DATETIME}}"
	datetimeLayout      = "Monday, January 02, 2006 at 03:04 PM IST"

	maxErrorBody = 4096
)

var istZone = time.FixedZone("IST", 5*60*60+30*60) //nolint:gochecknoglobals // fixed zone

// Call purposes, used as the metrics label.
const (
	PurposeGenerate = "generate"
	PurposeStream   = "stream"
	PurposeGround   = "ground"
	PurposeStores   = "stores"
)

// Sentinel errors.
var (
	ErrNoAPIKeys     = errors.New("gemini: no API keys configured") //nolint:gochecknoglobals // sentinel error
	ErrKeysExhausted = errors.New("gemini: all API keys failed")    //nolint:gochecknoglobals // sentinel error
)

// APIError is a non-success HTTP status returned by the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	switch e.Status {
	case http.StatusTooManyRequests:
		return "Rate limited (429)"
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		return fmt.Sprintf("Server error (%d)", e.Status)
	}
	if e.Message == "" {
		return fmt.Sprintf("gemini: status %d", e.Status)
	}
	return fmt.Sprintf("gemini: status %d: %s", e.Status, e.Message)
}

// ExhaustedError reports that every key in the pool failed with a
// retryable error. It matches ErrKeysExhausted with errors.Is.
type ExhaustedError struct {
	Attempts int
	Last     error
	Causes   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d API keys failed. Last error: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrKeysExhausted, e.Causes}
}

// Options are the per-call generation parameters.
type Options struct {
	Model             string
	SystemInstruction string
	Tools             []domain.ToolDeclaration
	Temperature       float64
	TopP              float64
	TopK              int
	ThinkingLevel     string
	ResponseSchema    map[string]any
	Recorder          domain.Recorder
}

// Gateway issues generateContent calls, trying each key of a shuffled pool
// until one succeeds or a non-retryable error occurs. It is safe for
// concurrent use.
type Gateway struct {
	apiBase       string
	keys          []string
	client        *http.Client
	metrics       *metrics.Metrics
	clock         clockwork.Clock
	timeout       time.Duration
	groundTimeout time.Duration

	randMu *sync.Mutex
	rand   *rand.Rand
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) { g.client = hc }
}

// WithMetrics records attempt outcomes and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithTimeout sets the per-attempt timeout of Generate and Stream.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithGroundTimeout sets the per-attempt timeout of Ground.
func WithGroundTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.groundTimeout = d }
}

// WithRand shuffles keys with r instead of the global source.
func WithRand(r *rand.Rand) Option {
	return func(g *Gateway) { g.rand = r }
}

// New creates a gateway for apiBase with the given key pool.
func New(apiBase string, keys []string, opts ...Option) *Gateway {
	g := &Gateway{
		apiBase:       strings.TrimRight(apiBase, "/"),
		keys:          keys,
		client:        &http.Client{},
		clock:         clockwork.NewRealClock(),
		timeout:       DefaultTimeout,
		groundTimeout: GroundTimeout,
		randMu:        &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// With returns a gateway sharing g's transport and options but using a
// different endpoint and key pool.
func (g *Gateway) With(apiBase string, keys []string) *Gateway {
	cp := *g
	cp.apiBase = strings.TrimRight(apiBase, "/")
	cp.keys = keys
	return &cp
}

// KeyCount returns the size of the key pool.
func (g *Gateway) KeyCount() int { return len(g.keys) }

// Generate performs a buffered generateContent call.
func (g *Gateway) Generate(ctx context.Context, contents []Content, opts Options) (*Response, error) {
	rec := domain.RecorderOrNop(opts.Recorder)
	req := g.buildRequest(contents, opts)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini.Gateway.Generate: marshal: %w", err)
	}
	g.recordRequest(rec, "generateContent", req, opts, false)

	url := g.modelURL(opts.Model, "generateContent")
	start := g.clock.Now()

	resp, err := rotate(ctx, g, rotation{
		purpose:       PurposeGenerate,
		rotationEvent: domain.EventGeminiKeyRotation,
		errorType:     "GEMINI_API_ERROR",
		exhaustedType: "GEMINI_ALL_KEYS_EXHAUSTED",
		context:       map[string]any{"model": opts.Model},
		rec:           rec,
	}, func(ctx context.Context, key string) (*Response, attemptKind, error) {
		actx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		httpResp, kind, err := g.send(actx, ctx, http.MethodPost, url, key, body)
		if kind != attemptOK {
			return nil, kind, err
		}
		defer func() {
			_ = httpResp.Body.Close()
		}()

		var out Response
		if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
			if ctx.Err() != nil {
				return nil, attemptFatal, ctx.Err()
			}
			return nil, attemptRetryable, fmt.Errorf("decode response: %w", err)
		}
		return &out, attemptOK, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini.Gateway.Generate: %w", err)
	}

	rec.Record(domain.EventGeminiResponse, sessionlog.NewLLMResponse(opts.Model, resp, g.clock.Since(start)))
	return resp, nil
}

// Stream opens a streamGenerateContent call. Rotation covers connection
// and status errors only; once the stream is returned its failures surface
// through Texts.
func (g *Gateway) Stream(ctx context.Context, contents []Content, opts Options) (*Stream, error) {
	rec := domain.RecorderOrNop(opts.Recorder)
	req := g.buildRequest(contents, opts)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini.Gateway.Stream: marshal: %w", err)
	}
	g.recordRequest(rec, "streamGenerateContent", req, opts, true)

	url := g.modelURL(opts.Model, "streamGenerateContent") + "?alt=sse"

	stream, err := rotate(ctx, g, rotation{
		purpose:       PurposeStream,
		rotationEvent: domain.EventGeminiKeyRotation,
		errorType:     "GEMINI_API_ERROR",
		exhaustedType: "GEMINI_ALL_KEYS_EXHAUSTED",
		context:       map[string]any{"model": opts.Model},
		rec:           rec,
	}, func(ctx context.Context, key string) (*Stream, attemptKind, error) {
		// The timeout bounds the wait for response headers; the body is
		// read for as long as the caller keeps pulling.
		actx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(g.timeout, cancel)

		httpResp, kind, err := g.send(actx, ctx, http.MethodPost, url, key, body)
		if !timer.Stop() && kind == attemptOK {
			_ = httpResp.Body.Close()
			cancel()
			return nil, attemptRetryable, fmt.Errorf("request failed: %w", context.DeadlineExceeded)
		}
		if kind != attemptOK {
			cancel()
			return nil, kind, err
		}
		return newStream(httpResp.Body, cancel, rec), attemptOK, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini.Gateway.Stream: %w", err)
	}
	return stream, nil
}

func (g *Gateway) buildRequest(contents []Content, opts Options) Request {
	req := Request{
		Contents: contents,
		GenerationConfig: GenerationConfig{
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			TopK:        opts.TopK,
		},
	}
	if opts.SystemInstruction != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: g.InjectDatetime(opts.SystemInstruction)}}}
	}
	if len(opts.Tools) > 0 {
		req.Tools = []Tool{{FunctionDeclarations: opts.Tools}}
	}
	if opts.ThinkingLevel != "" && SupportsThinking(opts.Model) {
		req.GenerationConfig.ThinkingConfig = &ThinkingConfig{ThinkingBudget: ThinkingBudget(opts.ThinkingLevel)}
	}
	if opts.ResponseSchema != nil {
		req.GenerationConfig.ResponseMIMEType = "application/json"
		req.GenerationConfig.ResponseSchema = opts.ResponseSchema
	}
	return req
}

func (g *Gateway) recordRequest(rec domain.Recorder, endpoint string, req Request, opts Options, stream bool) {
	info := sessionlog.LLMRequestInfo{
		Messages:    len(req.Contents),
		HasTools:    len(opts.Tools) > 0,
		Temperature: opts.Temperature,
		Structured:  opts.ResponseSchema != nil,
		Stream:      stream,
		KeyCount:    len(g.keys),
	}
	if tc := req.GenerationConfig.ThinkingConfig; tc != nil {
		budget := tc.ThinkingBudget
		info.ThinkingBudget = &budget
	}
	rec.Record(domain.EventGeminiRequest, sessionlog.LLMRequest{Model: opts.Model, Endpoint: endpoint, Payload: info})
}

// InjectDatetime replaces the datetime placeholder with the current time in
// India Standard Time.
func (g *Gateway) InjectDatetime(prompt string) string {
	if !strings.Contains(prompt, DatetimePlaceholder) {
		return prompt
	}
	now := g.clock.Now().In(istZone).Format(datetimeLayout)
	return strings.ReplaceAll(prompt, DatetimePlaceholder, now)
}

func (g *Gateway) modelURL(model, method string) string {
	return g.apiBase + "/" + model + ":" + method
}

func (g *Gateway) shuffledKeys() []string {
	keys := make([]string, len(g.keys))
	copy(keys, g.keys)
	if g.rand != nil {
		g.randMu.Lock()
		g.rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		g.randMu.Unlock()
		return keys
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

// send performs one HTTP exchange with key. attemptCtx bounds the attempt;
// callerCtx distinguishes caller cancellation (fatal) from attempt timeouts
// (retryable). On attemptOK the caller owns the response body.
func (g *Gateway) send(attemptCtx, callerCtx context.Context, method, url, key string, body []byte) (*http.Response, attemptKind, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, attemptFatal, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(APIKeyHeader, key)

	resp, err := g.client.Do(req)
	if err != nil {
		if callerCtx.Err() != nil {
			return nil, attemptFatal, callerCtx.Err()
		}
		return nil, attemptRetryable, fmt.Errorf("request failed: %w", err)
	}

	kind := classifyStatus(resp.StatusCode)
	if kind == attemptOK {
		return resp, attemptOK, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	return nil, kind, &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
}

// errorMessage extracts error.message from an API error body, falling back
// to the raw text.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func logAttempt(purpose string, attempt, total int, err error) {
	log.Warn().Err(err).
		Str("purpose", purpose).
		Int("attempt", attempt).
		Int("total_keys", total).
		Msg("gemini: attempt failed, switching to next key")
}
