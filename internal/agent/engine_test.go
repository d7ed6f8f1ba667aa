package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/latticehq/lattice/internal/safety"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/tools"
)

// scriptedClient plays back one response per model call.
type scriptedClient struct {
	name      string
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
	reqs      []*CompletionRequest
}

type scriptedResponse struct {
	text      string
	toolCalls []ToolCall
	err       error
	streamErr error
}

func (c *scriptedClient) Name() string { return c.name }

func (c *scriptedClient) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	r := c.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	ch := make(chan *CompletionChunk, 4)
	go func() {
		defer close(ch)
		if r.streamErr != nil {
			ch <- &CompletionChunk{Err: r.streamErr}
			return
		}
		for _, part := range splitChunks(r.text) {
			ch <- &CompletionChunk{Text: part}
		}
		ch <- &CompletionChunk{Done: true, ToolCalls: r.toolCalls, Usage: &Usage{InputTokens: 10, OutputTokens: 5}}
	}()
	return ch, nil
}

func splitChunks(text string) []string {
	if text == "" {
		return nil
	}
	mid := len(text) / 2
	if mid == 0 {
		return []string{text}
	}
	return []string{text[:mid], text[mid:]}
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []string
	steps  []Step
}

func (s *recordingSink) Chunk(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, text)
}

func (s *recordingSink) Step(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

type echoParams struct {
	Text string `json:"text" jsonschema:"required"`
}

type recordTool struct {
	name     string
	category tools.Category
	calls    int
}

func (t *recordTool) Name() string            { return t.name }
func (t *recordTool) Description() string     { return "test tool" }
func (t *recordTool) Category() tools.Category { return t.category }
func (t *recordTool) Schema() json.RawMessage { return tools.SchemaFor(&echoParams{}) }
func (t *recordTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	t.calls++
	return tools.Text("done"), nil
}

func openRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	return tools.NewRegistry(safety.NewGate(safety.Config{Enabled: false}), nil, nil, nil)
}

func newEngine(t *testing.T, registry *tools.Registry, clients map[string]ModelClient, routing RoutingConfig) *Engine {
	t.Helper()
	if routing.Action.Model == "" {
		routing.Action.Model = "action-model"
	}
	if routing.Action.MaxTokens == 0 {
		routing.Action.MaxTokens = 1024
	}
	selector := func(model string) ModelClient { return clients[model] }
	return NewEngine(registry, selector, routing, nil)
}

func TestRunPlainReply(t *testing.T) {
	client := &scriptedClient{name: "test", responses: []scriptedResponse{{text: "hello there"}}}
	e := newEngine(t, openRegistry(t), map[string]ModelClient{"action-model": client}, RoutingConfig{})

	sink := &recordingSink{}
	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "hi", Stream: true}, sink)

	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Reply != "hello there" {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.ModelUsed != "action-model" {
		t.Errorf("modelUsed = %q", res.ModelUsed)
	}
	if len(sink.chunks) == 0 {
		t.Error("expected streamed chunks")
	}
	if res.Usage.InputTokens == 0 {
		t.Error("expected usage accounting")
	}
}

func TestRunToolLoop(t *testing.T) {
	registry := openRegistry(t)
	tool := &recordTool{name: "lookup", category: tools.CategoryRead}
	registry.MustRegister(tool)

	client := &scriptedClient{name: "test", responses: []scriptedResponse{
		{toolCalls: []ToolCall{{ID: "t1", Name: "lookup", Input: json.RawMessage(`{"text":"x"}`)}}},
		{text: "final answer"},
	}}
	e := newEngine(t, registry, map[string]ModelClient{"action-model": client}, RoutingConfig{})

	sink := &recordingSink{}
	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "look it up", Stream: true}, sink)

	if res.Status != StatusCompleted || res.Reply != "final answer" {
		t.Fatalf("result = %+v", res)
	}
	if tool.calls != 1 {
		t.Errorf("tool calls = %d", tool.calls)
	}
	if res.ToolCalls != 1 {
		t.Errorf("result.ToolCalls = %d", res.ToolCalls)
	}
	if len(sink.steps) != 1 || sink.steps[0].Call.Name != "lookup" {
		t.Errorf("steps = %+v", sink.steps)
	}
}

func TestRunUnknownToolFeedsErrorBack(t *testing.T) {
	registry := openRegistry(t)
	client := &scriptedClient{name: "test", responses: []scriptedResponse{
		{toolCalls: []ToolCall{{ID: "t1", Name: "missing_tool", Input: json.RawMessage(`{}`)}}},
		{text: "recovered"},
	}}
	e := newEngine(t, registry, map[string]ModelClient{"action-model": client}, RoutingConfig{})

	sink := &recordingSink{}
	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "go"}, sink)

	if res.Status != StatusCompleted || res.Reply != "recovered" {
		t.Fatalf("result = %+v", res)
	}
	if len(sink.steps) != 1 || sink.steps[0].Result.Kind != tools.KindUnsupported {
		t.Errorf("expected unsupported step result, got %+v", sink.steps)
	}
}

func TestRunFallbackOn503(t *testing.T) {
	primary := &scriptedClient{name: "primary", responses: []scriptedResponse{
		{err: &ModelError{Provider: "primary", Model: "action-model", StatusCode: 503, Message: "overloaded"}},
	}}
	fallback := &scriptedClient{name: "fallback", responses: []scriptedResponse{{text: "ok"}}}

	e := newEngine(t, openRegistry(t), map[string]ModelClient{
		"action-model":   primary,
		"fallback-model": fallback,
	}, RoutingConfig{Action: TierConfig{Fallbacks: []string{"fallback-model"}}})

	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "hi"}, nil)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (err %s)", res.Status, res.Err)
	}
	if res.Reply != "ok" {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.ModelUsed != "fallback-model" {
		t.Errorf("modelUsed = %q", res.ModelUsed)
	}
}

func TestRunNonRetryableErrorFails(t *testing.T) {
	primary := &scriptedClient{name: "primary", responses: []scriptedResponse{
		{err: &ModelError{Provider: "primary", Model: "action-model", StatusCode: 401, Message: "bad key"}},
	}}
	fallback := &scriptedClient{name: "fallback", responses: []scriptedResponse{{text: "should not be used"}}}

	e := newEngine(t, openRegistry(t), map[string]ModelClient{
		"action-model":   primary,
		"fallback-model": fallback,
	}, RoutingConfig{Action: TierConfig{Fallbacks: []string{"fallback-model"}}})

	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "hi"}, nil)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if fallback.calls != 0 {
		t.Error("fallback should not run on auth errors")
	}
}

func TestRunCancellation(t *testing.T) {
	client := &scriptedClient{name: "test", responses: []scriptedResponse{{text: "never seen"}}}
	e := newEngine(t, openRegistry(t), map[string]ModelClient{"action-model": client}, RoutingConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Run(ctx, RunRequest{RunID: "r1", Message: "hi"}, nil)

	if res.Status != StatusCancelled {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Reply != "" {
		t.Errorf("cancelled run should carry no reply, got %q", res.Reply)
	}
}

func TestRunLoopExhaustion(t *testing.T) {
	registry := openRegistry(t)
	registry.MustRegister(&recordTool{name: "spin", category: tools.CategoryRead})

	// The model asks for a tool forever.
	client := &scriptedClient{name: "test", responses: []scriptedResponse{
		{text: "working on it", toolCalls: []ToolCall{{ID: "t", Name: "spin", Input: json.RawMessage(`{"text":"x"}`)}}},
	}}
	e := newEngine(t, registry, map[string]ModelClient{"action-model": client}, RoutingConfig{MaxIterations: 3})

	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "loop"}, nil)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Warning == "" {
		t.Error("expected exhaustion warning")
	}
	if res.Reply != "working on it" {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.ToolCalls != 3 {
		t.Errorf("tool calls = %d, want 3", res.ToolCalls)
	}
}

type brokenTool struct {
	name  string
	calls int
}

func (t *brokenTool) Name() string             { return t.name }
func (t *brokenTool) Description() string      { return "always fails" }
func (t *brokenTool) Category() tools.Category { return tools.CategoryRead }
func (t *brokenTool) Schema() json.RawMessage  { return tools.SchemaFor(&echoParams{}) }
func (t *brokenTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	t.calls++
	return nil, errors.New("backend unreachable")
}

func TestRunStopsAfterInternalFailureIteration(t *testing.T) {
	registry := openRegistry(t)
	tool := &brokenTool{name: "flaky"}
	registry.MustRegister(tool)

	// The model keeps retrying the broken tool; the run must end after the
	// first iteration where every call failed internally.
	client := &scriptedClient{name: "test", responses: []scriptedResponse{
		{text: "trying", toolCalls: []ToolCall{{ID: "t1", Name: "flaky", Input: json.RawMessage(`{"text":"x"}`)}}},
	}}
	e := newEngine(t, registry, map[string]ModelClient{"action-model": client}, RoutingConfig{MaxIterations: 5})

	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "go"}, nil)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Warning == "" {
		t.Error("expected a warning about internal failures")
	}
	if tool.calls != 1 {
		t.Errorf("tool calls = %d, want 1", tool.calls)
	}
	if res.Reply != "trying" {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestRunPerTierParameters(t *testing.T) {
	reasoning := &scriptedClient{name: "reasoning", responses: []scriptedResponse{{text: "deep"}}}
	action := &scriptedClient{name: "action", responses: []scriptedResponse{{text: "fast"}}}

	e := newEngine(t, openRegistry(t), map[string]ModelClient{
		"reasoning-model": reasoning,
		"action-model":    action,
	}, RoutingConfig{
		Reasoning: TierConfig{Model: "reasoning-model", MaxTokens: 16384, Temperature: 0.2},
		Action:    TierConfig{Model: "action-model", MaxTokens: 2048, Temperature: 0.7},
	})

	e.Run(context.Background(), RunRequest{RunID: "r1", Message: "think", Tier: TierReasoning}, nil)
	e.Run(context.Background(), RunRequest{RunID: "r2", Message: "do", Tier: TierAction}, nil)

	if len(reasoning.reqs) != 1 || reasoning.reqs[0].MaxTokens != 16384 || reasoning.reqs[0].Temperature != 0.2 {
		t.Errorf("reasoning request = %+v", reasoning.reqs)
	}
	if len(action.reqs) != 1 || action.reqs[0].MaxTokens != 2048 || action.reqs[0].Temperature != 0.7 {
		t.Errorf("action request = %+v", action.reqs)
	}
}

func TestClassifierRouting(t *testing.T) {
	classifier := &scriptedClient{name: "classifier", responses: []scriptedResponse{{text: "5"}}}
	reasoning := &scriptedClient{name: "reasoning", responses: []scriptedResponse{{text: "deep answer"}}}

	e := newEngine(t, openRegistry(t), map[string]ModelClient{
		"classifier-model": classifier,
		"reasoning-model":  reasoning,
	}, RoutingConfig{
		Reasoning:           TierConfig{Model: "reasoning-model"},
		ClassifierEnabled:   true,
		ClassifierModel:     "classifier-model",
		ComplexityThreshold: 4,
	})

	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "prove a theorem"}, nil)
	if res.Tier != TierReasoning {
		t.Fatalf("tier = %s", res.Tier)
	}
	if res.Reply != "deep answer" {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestClassifierFailureDefaultsToAction(t *testing.T) {
	classifier := &scriptedClient{name: "classifier", responses: []scriptedResponse{
		{err: &ModelError{StatusCode: 500, Message: "boom"}},
	}}
	action := &scriptedClient{name: "action", responses: []scriptedResponse{{text: "quick answer"}}}

	e := newEngine(t, openRegistry(t), map[string]ModelClient{
		"classifier-model": classifier,
		"action-model":     action,
	}, RoutingConfig{
		ClassifierEnabled:   true,
		ClassifierModel:     "classifier-model",
		ComplexityThreshold: 4,
	})

	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "hi"}, nil)
	if res.Tier != TierAction {
		t.Fatalf("tier = %s", res.Tier)
	}
}

func TestModelAliasRewrite(t *testing.T) {
	client := &scriptedClient{name: "canonical", responses: []scriptedResponse{{text: "ok"}}}
	e := newEngine(t, openRegistry(t), map[string]ModelClient{"claude-sonnet-4-20250514": client}, RoutingConfig{
		Action: TierConfig{Model: "claude-3-7-sonnet-latest"},
	})

	res := e.Run(context.Background(), RunRequest{RunID: "r1", Message: "hi"}, nil)
	if res.Status != StatusCompleted || res.ModelUsed != "claude-sonnet-4-20250514" {
		t.Fatalf("result = %+v", res)
	}
}

func TestModelChainDedupesAliases(t *testing.T) {
	chain := modelChain(TierConfig{
		Model:     "claude-3-7-sonnet-latest",
		Fallbacks: []string{"claude-sonnet-4-20250514", "gpt-4-turbo"},
	})
	want := []string{"claude-sonnet-4-20250514", "gpt-4o"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}
}

func TestScrubReply(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"answer <tool_call>{...}", "answer"},
		{"answer [TOOL_CALLS] junk", "answer"},
		{"<|tool_call|>leak", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := scrubReply(tt.in); got != tt.want {
			t.Errorf("scrubReply(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAssembleHistoryDropsToolMessages(t *testing.T) {
	history := []sessions.Message{
		{Role: sessions.RoleUser, Content: "q"},
		{Role: sessions.RoleTool, Content: "tool output"},
		{Role: sessions.RoleAssistant, Content: "a"},
	}
	msgs := assembleHistory(history)
	if len(msgs) != 2 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestFirstDigit(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"3", 3, true},
		{"Complexity: 5", 5, true},
		{"no digits", 0, false},
		{"0", 0, false},
		{"7", 0, false},
	}
	for _, tt := range tests {
		got, ok := firstDigit(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("firstDigit(%q) = %d,%v want %d,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
