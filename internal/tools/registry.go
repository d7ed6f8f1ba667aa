package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/latticehq/lattice/internal/approval"
	"github.com/latticehq/lattice/internal/audit"
	"github.com/latticehq/lattice/internal/safety"
)

// Invocation deadlines. Every call gets the default; a tool may request a
// longer one through DeadlineHinter, clamped to the cap.
const (
	DefaultTimeout = 120 * time.Second
	MaxTimeout     = 600 * time.Second
)

const maxInternalErrLen = 512

var tracer = otel.Tracer("lattice/tools")

var toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lattice_tool_executions_total",
	Help: "Tool dispatches by tool name and outcome.",
}, []string{"tool", "outcome"})

type entry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry is the static tool catalog plus the dispatch path that applies
// validation, gating and deadlines before a handler runs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	gate      *safety.Gate
	approvals *approval.Store
	auditLog  *audit.Logger
	logger    *slog.Logger
}

// NewRegistry creates a registry. gate and approvals may be nil in tests;
// a nil gate allows everything, nil approvals deny exec.
func NewRegistry(gate *safety.Gate, approvals *approval.Store, auditLog *audit.Logger, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:   map[string]*entry{},
		gate:      gate,
		approvals: approvals,
		auditLog:  auditLog,
		logger:    logger.With("component", "tools"),
	}
}

// Register adds a tool, compiling its schema so dispatch-time validation is
// cheap. Registering a name twice replaces the earlier tool.
func (r *Registry) Register(t Tool) error {
	schema := t.Schema()
	if len(schema) == 0 {
		return fmt.Errorf("tool %s has no schema", t.Name())
	}
	compiled, err := jsonschema.CompileString(t.Name()+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Name()] = &entry{tool: t, compiled: compiled}
	return nil
}

// MustRegister panics on a bad schema. Used at startup where a broken tool
// definition is a programming error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Descriptors returns the published catalog, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Descriptor{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Category:    e.tool.Category(),
			Schema:      e.tool.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Dispatch runs one call. It never returns a Go error: every failure mode
// is a Result with a Kind so the model can react to it.
func (r *Registry) Dispatch(ctx context.Context, call Call) *Result {
	ctx, span := tracer.Start(ctx, "tool.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("run.id", call.RunID),
	)

	res := r.dispatch(ctx, call)
	outcome := "ok"
	if res.IsError {
		outcome = string(res.Kind)
		span.SetStatus(codes.Error, string(res.Kind))
	}
	toolExecutions.WithLabelValues(call.Name, outcome).Inc()
	return res
}

func (r *Registry) dispatch(ctx context.Context, call Call) *Result {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Errorf(KindUnsupported, "unknown tool: %s", call.Name)
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return Errorf(KindValidation, "invalid tool arguments: %v", err)
	}
	if err := e.compiled.Validate(decoded); err != nil {
		return Errorf(KindValidation, "tool arguments failed validation: %v", err)
	}

	if verdict := r.checkGate(call, e.tool, input); verdict != nil {
		return verdict
	}

	timeout := DefaultTimeout
	if dh, ok := e.tool.(DeadlineHinter); ok {
		if d := dh.Deadline(input); d > 0 {
			timeout = min(d, MaxTimeout)
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := r.execute(runCtx, e.tool, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Errorf(KindTimeout, "tool %s timed out after %s", call.Name, timeout)
		}
		if errors.Is(err, context.Canceled) {
			return Errorf(KindTimeout, "tool %s cancelled", call.Name)
		}
		msg := err.Error()
		if len(msg) > maxInternalErrLen {
			msg = msg[:maxInternalErrLen]
		}
		return Errorf(KindInternal, "tool %s failed: %s", call.Name, msg)
	}
	if result == nil {
		return Errorf(KindInternal, "tool %s returned no result", call.Name)
	}
	return result
}

// execute calls the handler with panic recovery. A panicking tool becomes
// an internal error with a truncated message.
func (r *Registry) execute(ctx context.Context, t Tool, input json.RawMessage) (res *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("%v", rec)
			if len(msg) > maxInternalErrLen {
				msg = msg[:maxInternalErrLen]
			}
			r.logger.Error("tool panicked", "tool", t.Name(), "panic", msg, "stack", string(debug.Stack()))
			res = nil
			err = fmt.Errorf("panic: %s", msg)
		}
	}()
	return t.Execute(ctx, input)
}

// gateCategory maps a tool to its safety-gate category, or "" for ungated
// categories.
func gateCategory(t Tool) string {
	if gc, ok := t.(GateCategorizer); ok {
		return gc.GateCategory()
	}
	switch t.Category() {
	case CategoryWrite:
		return safety.CategoryFileWrite
	case CategoryExec:
		return safety.CategorySystemCommand
	case CategoryNotify:
		return safety.CategoryNotification
	default:
		return ""
	}
}

func (r *Registry) checkGate(call Call, t Tool, input json.RawMessage) *Result {
	category := gateCategory(t)

	if call.ReadOnly && category != "" && category != safety.CategoryNotification {
		r.record(audit.EventToolDenied, call, t.Name(), category, audit.OutcomeDenied, "read-only run")
		return Errorf(KindPermissionDenied, "tool %s is unavailable in read-only mode", t.Name())
	}
	if category == "" {
		return nil
	}

	if r.gate != nil {
		verdict := r.gate.Check(category)
		switch verdict.Decision {
		case safety.DecisionDeny:
			r.record(audit.EventToolDenied, call, t.Name(), category, audit.OutcomeDenied, verdict.Reason)
			return Errorf(KindPermissionDenied, "blocked by safety gate: %s", verdict.Reason)
		case safety.DecisionAsk:
			if t.Category() != CategoryExec {
				r.record(audit.EventToolDenied, call, t.Name(), category, audit.OutcomeAsked, verdict.Reason)
				return Errorf(KindPermissionDenied, "operator confirmation required: %s", verdict.Reason)
			}
			// Exec confirmation is the approval store's call, below.
		}
	}

	if t.Category() == CategoryExec {
		if r.approvals == nil {
			return Errorf(KindPermissionDenied, "exec approvals are not configured")
		}
		command := ""
		if ce, ok := t.(CommandExtractor); ok {
			command = ce.Command(input)
		}
		verdict := r.approvals.Decide(call.AgentID, command)
		switch verdict.Decision {
		case approval.DecisionAllow:
			r.record(audit.EventExecApproval, call, verdict.ResolvedPath, category, audit.OutcomeAllowed, verdict.Reason)
		case approval.DecisionAsk:
			r.record(audit.EventExecApproval, call, verdict.ResolvedPath, category, audit.OutcomeAsked, verdict.Reason)
			return Errorf(KindPermissionDenied, "command requires operator approval: %s", verdict.ResolvedPath)
		case approval.DecisionDeny:
			r.record(audit.EventExecApproval, call, verdict.ResolvedPath, category, audit.OutcomeDenied, verdict.Reason)
			return Errorf(KindPermissionDenied, "command denied by approval policy: %s", verdict.ResolvedPath)
		}
	}

	r.record(audit.EventToolInvocation, call, t.Name(), category, audit.OutcomeAllowed, "")
	return nil
}

func (r *Registry) record(typ audit.EventType, call Call, action, category string, outcome audit.Outcome, details string) {
	r.auditLog.Record(audit.Event{
		Type:     typ,
		AgentID:  call.AgentID,
		RunID:    call.RunID,
		Action:   action,
		Category: category,
		Details:  details,
		Outcome:  outcome,
	})
}
