// Package reply adapts inbound operator messages into agent runs.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/skills"
)

const defaultHistoryLimit = 20

// Request is one inbound message to answer.
type Request struct {
	RunID      string
	SessionKey string
	AgentID    string
	Text       string
	Tier       agent.Tier
	ReadOnly   bool
	Stream     bool
}

// Result is the dispatcher outcome.
type Result struct {
	Reply     string
	Status    agent.RunStatus
	Tier      agent.Tier
	ModelUsed string
	Usage     agent.Usage
	ToolCalls int
	Warning   string
	Err       string
}

// Dispatcher composes the system prompt, runs the engine and persists the
// transcript. Inline commands short-circuit without a model call.
type Dispatcher struct {
	sessions   *sessions.Store
	engine     *agent.Engine
	skills     skills.Provider
	basePrompt string
	bootstrap  string
	// StatusText supplies the /status payload; nil yields a minimal summary.
	statusText func() string

	historyLimit int
	logger       *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBootstrap adds first-run context after the base prompt.
func WithBootstrap(text string) Option {
	return func(d *Dispatcher) { d.bootstrap = text }
}

// WithStatusText overrides the /status response.
func WithStatusText(fn func() string) Option {
	return func(d *Dispatcher) { d.statusText = fn }
}

// WithHistoryLimit bounds how much session history each run sees.
func WithHistoryLimit(n int) Option {
	return func(d *Dispatcher) { d.historyLimit = n }
}

// New creates a dispatcher.
func New(store *sessions.Store, engine *agent.Engine, provider skills.Provider, basePrompt string, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sessions:     store,
		engine:       engine,
		skills:       provider,
		basePrompt:   basePrompt,
		historyLimit: defaultHistoryLimit,
		logger:       logger.With("component", "reply"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reply answers one message. The user message and any assistant reply are
// appended to the session; cancelled runs write no assistant message.
func (d *Dispatcher) Reply(ctx context.Context, req Request, sink agent.EventSink) *Result {
	text := strings.TrimSpace(req.Text)
	if inline, ok := d.inline(text); ok {
		return &Result{Reply: inline, Status: agent.StatusCompleted}
	}

	key := d.sessions.Resolve(req.SessionKey)
	history := d.sessions.History(key, d.historyLimit)
	d.sessions.Append(key, sessions.RoleUser, text)

	run := d.engine.Run(ctx, agent.RunRequest{
		RunID:        req.RunID,
		SessionKey:   key,
		AgentID:      req.AgentID,
		Message:      text,
		SystemPrompt: d.systemPrompt(),
		History:      history,
		Tier:         req.Tier,
		ReadOnly:     req.ReadOnly,
		Stream:       req.Stream,
	}, sink)

	replyText := run.Reply
	if run.Status == agent.StatusCompleted && isSilent(replyText) {
		replyText = ""
	}
	if run.Status == agent.StatusCompleted && replyText != "" {
		d.sessions.Append(key, sessions.RoleAssistant, replyText)
	}
	if run.Status == agent.StatusFailed {
		d.logger.Warn("run failed", "run", req.RunID, "session", key, "error", run.Err)
	}

	return &Result{
		Reply:     replyText,
		Status:    run.Status,
		Tier:      run.Tier,
		ModelUsed: run.ModelUsed,
		Usage:     run.Usage,
		ToolCalls: run.ToolCalls,
		Warning:   run.Warning,
		Err:       run.Err,
	}
}

// inline answers commands that never reach the model.
func (d *Dispatcher) inline(text string) (string, bool) {
	switch text {
	case "/status":
		if d.statusText != nil {
			return d.statusText(), true
		}
		return fmt.Sprintf("%d active sessions", len(d.sessions.List(0))), true
	case "/skills":
		if d.skills == nil {
			return "no skills loaded", true
		}
		snap := d.skills.Snapshot()
		if snap.PromptText == "" {
			return "no skills loaded", true
		}
		return fmt.Sprintf("skills version %s:\n%s", snap.Version, snap.PromptText), true
	}
	return "", false
}

func (d *Dispatcher) systemPrompt() string {
	parts := []string{d.basePrompt}
	if d.bootstrap != "" {
		parts = append(parts, d.bootstrap)
	}
	if d.skills != nil {
		if snap := d.skills.Snapshot(); snap.PromptText != "" {
			parts = append(parts, snap.PromptText)
		}
	}
	return strings.Join(parts, "\n\n")
}
