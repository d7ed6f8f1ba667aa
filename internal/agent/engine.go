package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/tools"
)

var tracer = otel.Tracer("lattice/agent")

// ModelClient is one model capability (provider + transport).
type ModelClient interface {
	// Name identifies the provider for logs and errors.
	Name() string

	// Complete starts one model call and returns the chunk stream. Request
	// level failures return an error; stream failures arrive as a chunk
	// with Err set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// TierConfig is the model and call parameters for one routing tier.
type TierConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Fallbacks   []string
}

// RoutingConfig selects models per tier and the fallback chains.
type RoutingConfig struct {
	Reasoning           TierConfig
	Action              TierConfig
	ClassifierEnabled   bool
	ClassifierModel     string
	ComplexityThreshold int
	MaxIterations       int
}

// builtinAliases rewrites deprecated model ids to their current equivalents
// before the outbound call.
var builtinAliases = map[string]string{
	"claude-3-5-sonnet-latest":   "claude-sonnet-4-20250514",
	"claude-3-7-sonnet-latest":   "claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219": "claude-sonnet-4-20250514",
	"claude-3-5-haiku-latest":    "claude-3-5-haiku-20241022",
	"gpt-4-turbo":                "gpt-4o",
}

func rewriteAlias(model string) string {
	if canonical, ok := builtinAliases[model]; ok {
		return canonical
	}
	return model
}

// RunRequest describes one agent run.
type RunRequest struct {
	RunID        string
	SessionKey   string
	AgentID      string
	Message      string
	SystemPrompt string
	History      []sessions.Message
	Tier         Tier
	ReadOnly     bool
	Stream       bool
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Reply     string
	Status    RunStatus
	Tier      Tier
	ModelUsed string
	Usage     Usage
	ToolCalls int
	Warning   string
	Err       string
}

var activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lattice_active_runs",
	Help: "Agent runs currently executing.",
})

// Engine runs the tool loop. Selector maps a model id to the client that
// serves it; Registry dispatches tool calls.
type Engine struct {
	registry *tools.Registry
	selector func(model string) ModelClient
	routing  RoutingConfig
	logger   *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(registry *tools.Registry, selector func(model string) ModelClient, routing RoutingConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if routing.MaxIterations <= 0 {
		routing.MaxIterations = 10
	}
	if routing.ComplexityThreshold <= 0 {
		routing.ComplexityThreshold = 4
	}
	if routing.Action.MaxTokens <= 0 {
		routing.Action.MaxTokens = 4096
	}
	if routing.Reasoning.MaxTokens <= 0 {
		routing.Reasoning.MaxTokens = routing.Action.MaxTokens
	}
	return &Engine{
		registry: registry,
		selector: selector,
		routing:  routing,
		logger:   logger.With("component", "agent"),
	}
}

// Run executes one agent run to completion, streaming through sink. The
// returned result always carries a terminal status; the error return is
// reserved for programming errors (nil sink handling etc. is internal).
func (e *Engine) Run(ctx context.Context, req RunRequest, sink EventSink) *RunResult {
	if sink == nil {
		sink = NopSink{}
	}
	activeRuns.Inc()
	defer activeRuns.Dec()

	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("session.key", req.SessionKey),
	))
	defer span.End()

	tier := req.Tier
	if tier == "" {
		tier = e.classify(ctx, req.Message)
	}
	tierCfg := e.tierConfig(tier)
	chain := modelChain(tierCfg)
	if len(chain) == 0 {
		span.SetStatus(codes.Error, "no models configured")
		return &RunResult{Status: StatusFailed, Tier: tier, Err: "no models configured"}
	}
	span.SetAttributes(attribute.String("tier", string(tier)))

	system := req.SystemPrompt
	if req.ReadOnly {
		system += "\n\nThis run is read-only: file writes, shell commands and git mutations are unavailable."
	}
	messages := assembleHistory(req.History)
	messages = append(messages, Message{Role: RoleUser, Content: req.Message})

	result := &RunResult{Status: StatusCompleted, Tier: tier}
	var lastText string

	for iteration := 0; iteration < e.routing.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return e.cancelled(result)
		}

		text, calls, usage, modelUsed, err := e.callModel(ctx, chain, tierCfg, system, messages, req.Stream, sink)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return e.cancelled(result)
			}
			result.Status = StatusFailed
			result.Err = err.Error()
			span.SetStatus(codes.Error, result.Err)
			return result
		}
		result.ModelUsed = modelUsed
		span.SetAttributes(attribute.String("model.used", modelUsed))
		result.Usage.Add(usage)
		if text != "" {
			lastText = text
		}

		if len(calls) == 0 {
			result.Reply = scrubReply(text)
			return result
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: text, ToolCalls: calls})

		succeeded := 0
		sawInternal := false
		for _, call := range calls {
			if ctx.Err() != nil {
				return e.cancelled(result)
			}
			res := e.registry.Dispatch(ctx, tools.Call{
				ID:       call.ID,
				Name:     call.Name,
				Input:    call.Input,
				AgentID:  req.AgentID,
				RunID:    req.RunID,
				ReadOnly: req.ReadOnly,
			})
			result.ToolCalls++
			if !res.IsError {
				succeeded++
			} else if res.Kind == tools.KindInternal {
				sawInternal = true
			}
			sink.Step(Step{Call: call, Result: res})
			payload, err := encodeToolResult(res)
			if err != nil {
				payload = fmt.Sprintf(`{"content":%q,"isError":true}`, err.Error())
			}
			messages = append(messages, Message{Role: RoleTool, Content: payload, ToolCallID: call.ID})
		}

		// An iteration whose only failures were internal, with no successful
		// call to balance them, ends the run with what it has. Validation and
		// permission errors still go back to the model, which can adapt.
		if sawInternal && succeeded == 0 {
			result.Reply = scrubReply(lastText)
			result.Warning = "run stopped after an iteration of internal tool failures"
			return result
		}
	}

	result.Reply = scrubReply(lastText)
	result.Warning = fmt.Sprintf("tool loop reached %d iterations without a final reply", e.routing.MaxIterations)
	e.logger.Warn("tool loop exhausted", "run", req.RunID, "iterations", e.routing.MaxIterations)
	return result
}

func (e *Engine) cancelled(result *RunResult) *RunResult {
	result.Status = StatusCancelled
	result.Reply = ""
	return result
}

// callModel walks the fallback chain. A model is skipped for the next one
// only on retryable failures (429/5xx) and only while nothing has been
// streamed to the client yet.
func (e *Engine) callModel(ctx context.Context, chain []string, tierCfg TierConfig, system string, messages []Message, stream bool, sink EventSink) (string, []ToolCall, Usage, string, error) {
	var lastErr error
	for _, model := range chain {
		client := e.selector(model)
		if client == nil {
			lastErr = fmt.Errorf("no client serves model %s", model)
			continue
		}
		req := &CompletionRequest{
			Model:       model,
			System:      system,
			Messages:    messages,
			Tools:       e.registry.Descriptors(),
			MaxTokens:   tierCfg.MaxTokens,
			Temperature: tierCfg.Temperature,
			Stream:      stream,
		}
		ch, err := client.Complete(ctx, req)
		if err != nil {
			if retryable(err) {
				e.logger.Warn("model call failed, trying fallback", "model", model, "error", err)
				lastErr = err
				continue
			}
			return "", nil, Usage{}, model, err
		}

		var text strings.Builder
		var calls []ToolCall
		var usage Usage
		var streamErr error
		for chunk := range ch {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if stream {
					sink.Chunk(chunk.Text)
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.Usage != nil {
				usage.Add(*chunk.Usage)
			}
		}
		if streamErr != nil {
			if retryable(streamErr) && text.Len() == 0 {
				e.logger.Warn("model stream failed, trying fallback", "model", model, "error", streamErr)
				lastErr = streamErr
				continue
			}
			return "", nil, Usage{}, model, streamErr
		}
		if ctx.Err() != nil {
			return "", nil, Usage{}, model, ctx.Err()
		}
		return text.String(), calls, usage, model, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no usable model in fallback chain")
	}
	return "", nil, Usage{}, "", lastErr
}

func retryable(err error) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Retryable()
}

// tierConfig picks the tier's settings; an unset reasoning tier inherits
// the action tier.
func (e *Engine) tierConfig(tier Tier) TierConfig {
	if tier == TierReasoning && e.routing.Reasoning.Model != "" {
		return e.routing.Reasoning
	}
	return e.routing.Action
}

func modelChain(cfg TierConfig) []string {
	seen := map[string]bool{}
	var chain []string
	for _, m := range append([]string{cfg.Model}, cfg.Fallbacks...) {
		m = rewriteAlias(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}

// classify picks the tier with a cheap small-model call that scores the
// request 1-5. Any failure falls back to the action tier.
func (e *Engine) classify(ctx context.Context, message string) Tier {
	if !e.routing.ClassifierEnabled || e.routing.ClassifierModel == "" {
		return TierAction
	}
	model := rewriteAlias(e.routing.ClassifierModel)
	client := e.selector(model)
	if client == nil {
		return TierAction
	}
	prompt := "Rate the complexity of this request from 1 (trivial) to 5 (deep reasoning). Reply with a single digit.\n\nRequest: " + message
	ch, err := client.Complete(ctx, &CompletionRequest{
		Model:     model,
		Messages:  []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens: 8,
	})
	if err != nil {
		return TierAction
	}
	var out strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return TierAction
		}
		out.WriteString(chunk.Text)
	}
	score, ok := firstDigit(out.String())
	if !ok {
		return TierAction
	}
	if score >= e.routing.ComplexityThreshold {
		return TierReasoning
	}
	return TierAction
}

func firstDigit(s string) (int, bool) {
	for _, r := range s {
		if unicode.IsDigit(r) {
			n, err := strconv.Atoi(string(r))
			if err != nil || n < 1 || n > 5 {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

// assembleHistory converts stored transcript entries to model messages.
// Tool-role entries are dropped: their tool_call ids are meaningless to a
// fresh conversation.
func assembleHistory(history []sessions.Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case sessions.RoleUser:
			out = append(out, Message{Role: RoleUser, Content: m.Content})
		case sessions.RoleAssistant:
			out = append(out, Message{Role: RoleAssistant, Content: m.Content})
		}
	}
	return out
}

func encodeToolResult(res *tools.Result) (string, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// scrubReply cuts the reply at the earliest tool-call preamble marker some
// providers leak into final text.
var preambleMarkers = []string{
	"<tool_call>",
	"<|tool_call|>",
	"[TOOL_CALLS]",
	"<function_call>",
}

func scrubReply(text string) string {
	cut := len(text)
	for _, marker := range preambleMarkers {
		if idx := strings.Index(text, marker); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	return strings.TrimSpace(text[:cut])
}
