package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/config"
	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
	"github.com/gosuda/mcproxy/internal/mcp"
	"github.com/gosuda/mcproxy/internal/metrics"
	"github.com/gosuda/mcproxy/internal/sessionlog"
)

// Stream messages and synthesis text fragments.
const (
	MessageConfigNotLoaded = "Backend config not loaded"
	DataRequestURL         = "https://docs.datacommons.org/contributing"
	DataRequestLink        = "\n\n---\n\nIf you'd like to see this data in Data Commons, you can [submit a data request](" + DataRequestURL + ")."

	synthesisTemperature = 0.3
	noContext            = "No additional context available."
)

// ErrEmptyMessage is returned by Run for a blank user message.
var ErrEmptyMessage = errors.New("agent: message required") //nolint:gochecknoglobals // sentinel error

// BackendSource yields the current backend configuration.
type BackendSource interface {
	Load() (*config.Backend, error)
}

// MCPSession is the process-wide MCP session.
type MCPSession interface {
	ToolSource
	Ready() bool
	SessionID() string
	EnsureReady(ctx context.Context) error
	Tools(ctx context.Context) (*mcp.ToolSet, error)
}

// Turn is one chat request.
type Turn struct {
	Message   string
	History   []domain.HistoryMessage
	SessionID string
	Overrides config.Overrides
}

// Orchestrator runs a chat turn through the tool, knowledge base and
// synthesis phases and reports progress as a sequence of events.
type Orchestrator struct {
	configs  BackendSource
	session  MCPSession
	gateway  *gemini.Gateway
	logs     *sessionlog.Manager
	assessor Assessor
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	maxIter  int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAssessor replaces the HeuristicAssessor.
func WithAssessor(a Assessor) OrchestratorOption {
	return func(o *Orchestrator) { o.assessor = a }
}

// WithMetrics records chat turn metrics.
func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMaxIterations caps the tool loop.
func WithMaxIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxIter = n }
}

// NewOrchestrator wires the phases together. gateway supplies transport and
// options; the endpoint and key pool are taken from the backend config of
// each turn.
func NewOrchestrator(
	configs BackendSource,
	session MCPSession,
	gateway *gemini.Gateway,
	logs *sessionlog.Manager,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		configs:  configs,
		session:  session,
		gateway:  gateway,
		logs:     logs,
		assessor: HeuristicAssessor{},
		clock:    clockwork.NewRealClock(),
		maxIter:  DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes turn and passes each event to emit in order. It returns
// early when emit fails, which happens once the client has gone away.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, emit func(Event) error) error {
	if strings.TrimSpace(turn.Message) == "" {
		return ErrEmptyMessage
	}

	done := o.metrics.ChatStarted()
	defer done()
	start := o.clock.Now()

	id := turn.SessionID
	if !sessionlog.ValidID(id) {
		if id != "" {
			log.Warn().Str("session_id", id).Msg("agent: rejecting unsafe session id")
		}
		id = sessionlog.NewID(o.clock)
	}

	var rec domain.Recorder = domain.NopRecorder{}
	if o.logs != nil {
		sessionLog, err := o.logs.Open(id)
		if err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("agent: session log unavailable")
		} else {
			defer func() {
				if err := sessionLog.Close(); err != nil {
					log.Warn().Err(err).Str("session_id", id).Msg("agent: close session log")
				}
			}()
			rec = sessionLog
		}
	}

	if err := emit(SessionEvent{SessionID: id}); err != nil {
		return err
	}

	if !turn.Overrides.Empty() {
		rec.Record(domain.EventQueryParamsOverride, turn.Overrides)
	}
	rec.Record(domain.EventUserMessage, sessionlog.UserMessage{Message: turn.Message, HistoryMessages: len(turn.History)})

	base, err := o.configs.Load()
	if err != nil {
		log.Error().Err(err).Msg("agent: backend config not loaded")
		rec.Record(domain.EventError, sessionlog.NewError("CONFIG_ERROR", err, nil))
		o.metrics.ChatError("config")
		return emit(ErrorEvent{Error: MessageConfigNotLoaded})
	}
	cfg := base.WithOverrides(turn.Overrides)
	gw := o.gateway.With(cfg.Gemini.APIBase, cfg.APIKeyPool())

	// Phase 1: tools.
	var loop LoopResult
	if cfg.MCP.Enabled {
		if o.prepareTools(ctx, rec) {
			loop, err = o.runTools(ctx, gw, cfg, turn.Message, rec, emit)
			if err != nil {
				return err
			}
		} else {
			rec.Record(domain.EventMCPSkipped, map[string]string{"reason": "MCP not connected or no tools available"})
			if err := emit(StatusEvent{Status: StatusMCPSkipped, Message: "MCP server not connected"}); err != nil {
				return err
			}
		}
	}

	// Phase 2: knowledge base.
	var kb gemini.Grounded
	if cfg.KnowledgeBase.Enabled {
		if err := emit(StatusEvent{Status: StatusKBStart, Message: "Searching knowledge base..."}); err != nil {
			return err
		}
		kb = gw.Ground(ctx, turn.Message, gemini.GroundOptions{
			Model:             cfg.Gemini.KBModel,
			SystemInstruction: cfg.Prompts.KB,
			StoreID:           cfg.KnowledgeBase.StoreID,
			Recorder:          rec,
		})
		if len(kb.Sources) > 0 {
			if err := emit(SourcesEvent{Sources: kb.Sources}); err != nil {
				return err
			}
		}
		if err := emit(StatusEvent{Status: StatusKBComplete}); err != nil {
			return err
		}
	}

	// Phase 3: synthesis.
	text, err := o.synthesize(ctx, gw, cfg, turn, loop, kb, rec, emit)
	if err != nil {
		return err
	}

	chart := NewChartAdvisor(gw).Advise(ctx, cfg.Gemini.MCPModel, turn.Message, loop.ResultsText)

	elapsed := o.clock.Since(start)
	rec.Record(domain.EventFinalResponse, sessionlog.NewFinalResponse(text, &chart, elapsed))
	return emit(DoneEvent{ChartConfig: chart, Done: true, DurationMS: elapsed.Milliseconds()})
}

// prepareTools initializes the MCP session when needed and reports whether
// tools are available.
func (o *Orchestrator) prepareTools(ctx context.Context, rec domain.Recorder) bool {
	if !o.session.Ready() {
		rec.Record(domain.EventMCPInitAttempt, map[string]string{"reason": "session not initialized"})
		if err := o.session.EnsureReady(ctx); err != nil {
			log.Warn().Err(err).Msg("agent: MCP initialization failed, trying tools anyway")
			rec.Record(domain.EventMCPInitFailed, map[string]any{"error": err.Error(), "trying_tools_anyway": true})
		} else {
			rec.Record(domain.EventMCPInitSuccess, map[string]string{"mcp_session_id": o.session.SessionID()})
		}
	}

	set, err := o.session.Tools(ctx)
	if err != nil || len(set.Raw) == 0 {
		rec.Record(domain.EventMCPNoTools, map[string]string{"mcp_session_id": o.session.SessionID()})
		return false
	}

	names := make([]string, 0, len(set.Raw))
	for _, t := range set.Raw {
		names = append(names, t.Name)
	}
	rec.Record(domain.EventMCPToolsAvailable, map[string]any{"tool_count": len(names), "tools": names})
	return true
}

func (o *Orchestrator) runTools(
	ctx context.Context,
	gw *gemini.Gateway,
	cfg *config.Backend,
	message string,
	rec domain.Recorder,
	emit func(Event) error,
) (LoopResult, error) {
	if err := emit(StatusEvent{Status: StatusMCPStart, Message: "Querying data tools..."}); err != nil {
		return LoopResult{}, err
	}

	var emitErr error
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := NewToolLoop(gw, o.session).Run(loopCtx, message, LoopOptions{
		MaxIterations: o.maxIter,
		Model:         cfg.Gemini.MCPModel,
		SystemPrompt:  cfg.Prompts.MCP,
		ThinkingLevel: cfg.Thinking.MCPLevel,
		Recorder:      rec,
		OnToolCall: func(r domain.ToolCallRecord) {
			if emitErr != nil {
				return
			}
			if emitErr = emit(NewToolCallEvent(r)); emitErr != nil {
				cancel()
			}
		},
	})
	if emitErr != nil {
		return LoopResult{}, emitErr
	}

	if err := emit(MCPCompleteEvent{Status: StatusMCPComplete, ToolCount: len(loop.Calls)}); err != nil {
		return LoopResult{}, err
	}
	if err := emit(DataStatusEvent{DataStatus: o.assessor.Assess(loop.Calls)}); err != nil {
		return LoopResult{}, err
	}
	return loop, nil
}

// synthesize streams the final answer. LLM failures are reported to the
// client as an ErrorEvent and do not end the turn; only emit failures are
// returned.
func (o *Orchestrator) synthesize(
	ctx context.Context,
	gw *gemini.Gateway,
	cfg *config.Backend,
	turn Turn,
	loop LoopResult,
	kb gemini.Grounded,
	rec domain.Recorder,
	emit func(Event) error,
) (string, error) {
	if err := emit(StatusEvent{Status: StatusSynthesisStart, Message: "Generating response..."}); err != nil {
		return "", err
	}

	var sources []string
	if loop.ResultsText != "" {
		sources = append(sources, "MCP")
	}
	if kb.Text != "" {
		sources = append(sources, "KB")
	}
	rec.Record(domain.EventSynthesisStart, sessionlog.SynthesisStart{ContextSources: sources})

	contents := append(gemini.FromHistory(turn.History), gemini.UserText(SynthesisMessage(turn.Message, loop.ResultsText, kb)))

	stream, err := gw.Stream(ctx, contents, gemini.Options{
		Model:             cfg.Gemini.MCPModel,
		SystemInstruction: cfg.Prompts.Synthesis,
		Temperature:       synthesisTemperature,
		ThinkingLevel:     cfg.Thinking.SynthesisLevel,
		Recorder:          rec,
	})
	if err != nil {
		log.Error().Err(err).Msg("agent: synthesis failed")
		rec.Record(domain.EventError, sessionlog.NewError("SYNTHESIS_ERROR", err, nil))
		o.metrics.ChatError("synthesis")
		return "", emit(ErrorEvent{Error: err.Error()})
	}
	defer stream.Close()

	var full strings.Builder
	for delta, err := range stream.Texts() {
		if err != nil {
			if ctx.Err() != nil {
				return full.String(), ctx.Err()
			}
			log.Error().Err(err).Msg("agent: synthesis stream error")
			rec.Record(domain.EventError, sessionlog.NewError("SYNTHESIS_STREAM_ERROR", err, nil))
			o.metrics.ChatError("synthesis_stream")
			if err := emit(ErrorEvent{Error: err.Error()}); err != nil {
				return full.String(), err
			}
			break
		}
		full.WriteString(delta)
		if err := emit(TextEvent{Text: delta}); err != nil {
			return full.String(), err
		}
	}

	if len(loop.Calls) > 0 && !o.assessor.Assess(loop.Calls).HasData && !strings.Contains(full.String(), DataRequestURL) {
		full.WriteString(DataRequestLink)
		if err := emit(TextEvent{Text: DataRequestLink}); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

// SynthesisMessage builds the final user message from the tool results and
// the knowledge base answer.
func SynthesisMessage(userMessage, results string, kb gemini.Grounded) string {
	var parts []string
	if results != "" {
		parts = append(parts, "**DATA RESULTS [Source: Data Commons]:**\n"+results)
	}
	if kb.Text != "" {
		names := "Knowledge Base"
		if len(kb.Sources) > 0 {
			titles := make([]string, 0, len(kb.Sources))
			for _, s := range kb.Sources {
				titles = append(titles, s.Title)
			}
			names = strings.Join(titles, ", ")
		}
		parts = append(parts, fmt.Sprintf("**POLICY INFORMATION [Sources: %s]:**\n%s", names, kb.Text))
	}

	body := noContext
	if len(parts) > 0 {
		body = strings.Join(parts, "\n")
	}
	return fmt.Sprintf("User Query: %s\n\n%s\n\nPlease provide a comprehensive response combining all available information.", userMessage, body)
}
