// Package agent executes tool-using model runs with streaming, fallback and
// cancellation.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/latticehq/lattice/internal/tools"
)

// Message roles on the model wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool request produced by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Message is one entry in the model conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// Usage is provider-reported token accounting.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates usage across model calls.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []tools.Descriptor
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// CompletionChunk is one streamed delta. The final chunk carries Done plus
// any accumulated tool calls and usage. A mid-stream failure arrives as a
// chunk with Err set, after which the channel closes.
type CompletionChunk struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *Usage
	Done      bool
	Err       error
}

// ModelError is a provider failure with enough context for fallback logic.
type ModelError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s model %s: status %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
}

// Retryable reports whether the next fallback model should be tried.
// Only rate limiting and server-side failures qualify.
func (e *ModelError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Tier selects the model route for a run.
type Tier string

const (
	TierReasoning Tier = "reasoning"
	TierAction    Tier = "action"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Step pairs a tool call with its result for step events.
type Step struct {
	Call   ToolCall      `json:"call"`
	Result *tools.Result `json:"result"`
}

// EventSink receives streaming output during a run. Implementations must be
// cheap; they are called on the run goroutine.
type EventSink interface {
	Chunk(text string)
	Step(step Step)
}

// NopSink discards events, for non-streaming runs.
type NopSink struct{}

func (NopSink) Chunk(string) {}
func (NopSink) Step(Step)    {}
