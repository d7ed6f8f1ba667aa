// Package tools holds the typed tool catalog published to the model and the
// dispatcher that routes one call to one handler with bounded resources.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Category classifies a tool's side effects; gating keys off it.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryWrite   Category = "write"
	CategoryExec    Category = "exec"
	CategoryNetwork Category = "network"
	CategoryMemory  Category = "memory"
	CategoryGit     Category = "git"
	CategoryNotify  Category = "notify"
	CategoryNode    Category = "node"
	CategorySession Category = "session"
	CategorySkill   Category = "skill"
)

// Kind classifies tool failures for the model and the wire.
type Kind string

const (
	KindNone             Kind = ""
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation"
	KindIO               Kind = "io"
	KindTimeout          Kind = "timeout"
	KindUnsupported      Kind = "unsupported"
	KindInternal         Kind = "internal"
)

// Result is what a tool invocation produced. Failures are results too; the
// loop feeds them back to the model rather than aborting the run.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
}

// Text builds a success result.
func Text(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...)}
}

// Errorf builds a failure result of the given kind.
func Errorf(kind Kind, format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true, Kind: kind}
}

// Call carries one tool invocation through the dispatcher.
type Call struct {
	ID       string
	Name     string
	Input    json.RawMessage
	AgentID  string
	RunID    string
	ReadOnly bool
}

// Tool is one registry entry. Handlers must not retain the ctx or params
// after returning.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// GateCategorizer lets a tool refine its safety-gate category beyond what
// its Category implies. Git write tools use it to gate as git_operations
// while git read tools stay ungated.
type GateCategorizer interface {
	GateCategory() string
}

// CommandExtractor exposes the raw command string of an exec-category tool
// so the dispatcher can run it through the approval store.
type CommandExtractor interface {
	Command(params json.RawMessage) string
}

// DeadlineHinter lets a tool derive its invocation deadline from the call
// input. The dispatcher clamps the hint to MaxTimeout; zero means default.
type DeadlineHinter interface {
	Deadline(params json.RawMessage) time.Duration
}

// Descriptor is the published form of a tool, as handed to model providers.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	Schema      json.RawMessage `json:"schema"`
}
