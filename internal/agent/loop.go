package agent

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/mcproxy/internal/domain"
	"github.com/gosuda/mcproxy/internal/gemini"
	"github.com/gosuda/mcproxy/internal/mcp"
	"github.com/gosuda/mcproxy/internal/sessionlog"
)

// Tool loop defaults and terminal texts.
const (
	DefaultMaxIterations = 5
	RecordResultLimit    = 500

	loopTemperature = 1.0

	TextToolsUnavailable = "MCP tools not available"
	TextNoCandidates     = "No response from model"
	TextMaxIterations    = "Max tool iterations reached"
)

// Generator performs buffered LLM calls.
type Generator interface {
	Generate(ctx context.Context, contents []gemini.Content, opts gemini.Options) (*gemini.Response, error)
}

// ToolSource lists and invokes MCP tools.
type ToolSource interface {
	Declarations(ctx context.Context) []domain.ToolDeclaration
	CallTool(ctx context.Context, name string, args map[string]any, rec domain.Recorder) (*mcp.ToolResult, error)
}

// LoopOptions configures one ToolLoop run.
type LoopOptions struct {
	MaxIterations int
	Model         string
	SystemPrompt  string
	ThinkingLevel string
	Recorder      domain.Recorder

	// OnToolCall, when set, receives each record as soon as the call
	// completes.
	OnToolCall func(domain.ToolCallRecord)
}

// LoopResult is the outcome of a ToolLoop run.
type LoopResult struct {
	// ResultsText holds the full text of every tool result as
	// "Tool: <name>\nResult: <text>" blocks separated by blank lines.
	ResultsText string
	Calls       []domain.ToolCallRecord
	FinalText   string
	Iterations  int
}

// ToolLoop lets the model call MCP tools until it answers without calling
// any, or the iteration cap is reached.
type ToolLoop struct {
	llm   Generator
	tools ToolSource
}

// NewToolLoop creates a loop over llm and tools.
func NewToolLoop(llm Generator, tools ToolSource) *ToolLoop {
	return &ToolLoop{llm: llm, tools: tools}
}

// Run executes the loop for a single user message. Conversation history is
// deliberately not sent so every turn searches afresh. Run never returns an
// error; failures end the loop with an explanatory FinalText.
func (l *ToolLoop) Run(ctx context.Context, userMessage string, opts LoopOptions) LoopResult {
	rec := domain.RecorderOrNop(opts.Recorder)
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	var res LoopResult

	decls := l.tools.Declarations(ctx)
	if len(decls) == 0 {
		rec.Record(domain.EventError, domain.ErrorPayload{ErrorType: "MCP_TOOLS_UNAVAILABLE", ErrorMessage: "No MCP tools available"})
		res.FinalText = TextToolsUnavailable
		return res
	}

	contents := []gemini.Content{gemini.UserText(userMessage)}
	var results []string

	for iteration := 1; iteration <= maxIter; iteration++ {
		res.Iterations = iteration
		log.Info().Int("iteration", iteration).Int("max", maxIter).Msg("agent: tool loop iteration")
		rec.Record(domain.EventMCPLoopIteration, map[string]int{"iteration": iteration, "max": maxIter})

		resp, err := l.llm.Generate(ctx, contents, gemini.Options{
			Model:             opts.Model,
			SystemInstruction: opts.SystemPrompt,
			Tools:             decls,
			Temperature:       loopTemperature,
			ThinkingLevel:     opts.ThinkingLevel,
			Recorder:          rec,
		})
		if err != nil {
			rec.Record(domain.EventError, sessionlog.NewError("MCP_LOOP_ERROR", err, nil))
			res.ResultsText = strings.Join(results, "\n\n")
			res.FinalText = "Error: " + err.Error()
			return res
		}

		candidate := resp.First()
		if candidate == nil {
			rec.Record(domain.EventError, domain.ErrorPayload{ErrorType: "MCP_NO_CANDIDATES", ErrorMessage: TextNoCandidates})
			res.ResultsText = strings.Join(results, "\n\n")
			res.FinalText = TextNoCandidates
			return res
		}

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			res.ResultsText = strings.Join(results, "\n\n")
			res.FinalText = resp.Text()
			rec.Record(domain.EventMCPLoopComplete, map[string]any{
				"iterations_used":   iteration,
				"tools_called":      len(res.Calls),
				"has_text_response": res.FinalText != "",
			})
			return res
		}

		// The model turn goes back verbatim so thought signatures stay
		// attached to their function calls.
		contents = append(contents, gemini.Content{Role: gemini.RoleModel, Parts: candidate.Content.Parts})

		responses := make([]gemini.Part, 0, len(calls))
		for _, call := range calls {
			text := l.invoke(ctx, call, rec)

			args := call.Args
			if args == nil {
				args = map[string]any{}
			}
			record := domain.ToolCallRecord{
				Name:      call.Name,
				Arguments: args,
				Result:    domain.Truncate(text, RecordResultLimit),
				Status:    resultStatus(text),
			}
			res.Calls = append(res.Calls, record)
			results = append(results, "Tool: "+call.Name+"\nResult: "+text)
			if opts.OnToolCall != nil {
				opts.OnToolCall(record)
			}

			responses = append(responses, gemini.Part{FunctionResponse: &gemini.FunctionResponse{
				Name:     call.Name,
				Response: map[string]any{"result": text},
			}})
		}
		contents = append(contents, gemini.Content{Role: gemini.RoleUser, Parts: responses})
	}

	rec.Record(domain.EventMCPLoopMaxIterations, map[string]int{"tools_called": len(res.Calls)})
	res.ResultsText = strings.Join(results, "\n\n")
	res.FinalText = TextMaxIterations
	return res
}

// invoke calls one tool and flattens its outcome to text. Transport and
// protocol failures become an {"error": ...} document.
func (l *ToolLoop) invoke(ctx context.Context, call gemini.FunctionCall, rec domain.Recorder) string {
	log.Info().Str("tool", call.Name).Msg("agent: executing tool")

	result, err := l.tools.CallTool(ctx, call.Name, call.Args, rec)
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("agent: tool call failed")
		return mcp.ErrorText(err)
	}
	return result.Text()
}

func resultStatus(text string) domain.ToolStatus {
	if strings.Contains(strings.ToLower(text), "error") {
		return domain.ToolStatusError
	}
	return domain.ToolStatusSuccess
}
