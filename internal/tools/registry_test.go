package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/approval"
	"github.com/latticehq/lattice/internal/safety"
)

type echoParams struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

type fakeTool struct {
	name     string
	category Category
	gateCat  string
	command  string
	deadline time.Duration
	execute  func(ctx context.Context, params json.RawMessage) (*Result, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "test tool" }
func (f *fakeTool) Category() Category      { return f.category }
func (f *fakeTool) Schema() json.RawMessage { return SchemaFor(&echoParams{}) }
func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	if f.execute != nil {
		return f.execute(ctx, params)
	}
	var p echoParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return Text("echo: %s", p.Text), nil
}

func (f *fakeTool) GateCategory() string {
	if f.gateCat != "" {
		return f.gateCat
	}
	switch f.category {
	case CategoryWrite:
		return safety.CategoryFileWrite
	case CategoryExec:
		return safety.CategorySystemCommand
	case CategoryNotify:
		return safety.CategoryNotification
	}
	return ""
}

func (f *fakeTool) Command(params json.RawMessage) string { return f.command }

func (f *fakeTool) Deadline(params json.RawMessage) time.Duration { return f.deadline }

func openGate() *safety.Gate {
	return safety.NewGate(safety.Config{Enabled: false})
}

func testApprovals(t *testing.T, mode approval.SafetyMode, ask approval.AskMode) *approval.Store {
	t.Helper()
	s, err := approval.NewStore(filepath.Join(t.TempDir(), "approvals.json"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetModes(mode, ask); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(openGate(), nil, nil, nil)
	res := r.Dispatch(context.Background(), Call{Name: "nope"})
	if !res.IsError || res.Kind != KindUnsupported {
		t.Fatalf("expected unsupported, got %+v", res)
	}
}

func TestDispatchValidResult(t *testing.T) {
	r := NewRegistry(openGate(), nil, nil, nil)
	r.MustRegister(&fakeTool{name: "echo", category: CategoryRead})

	res := r.Dispatch(context.Background(), Call{
		Name:  "echo",
		Input: json.RawMessage(`{"text":"hello"}`),
	})
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	if res.Content != "echo: hello" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestDispatchValidationFailure(t *testing.T) {
	r := NewRegistry(openGate(), nil, nil, nil)
	r.MustRegister(&fakeTool{name: "echo", category: CategoryRead})

	tests := []struct {
		name  string
		input string
	}{
		{"missing required field", `{}`},
		{"wrong type", `{"text":42}`},
		{"malformed json", `{"text":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Dispatch(context.Background(), Call{Name: "echo", Input: json.RawMessage(tt.input)})
			if !res.IsError || res.Kind != KindValidation {
				t.Errorf("expected validation error, got %+v", res)
			}
		})
	}
}

func TestDispatchReadOnlyRefusesSideEffects(t *testing.T) {
	r := NewRegistry(openGate(), testApprovals(t, approval.ModeFull, approval.AskOff), nil, nil)
	r.MustRegister(&fakeTool{name: "fs_write", category: CategoryWrite})
	r.MustRegister(&fakeTool{name: "run_command", category: CategoryExec, command: "ls"})
	r.MustRegister(&fakeTool{name: "git_commit", category: CategoryGit, gateCat: safety.CategoryGitOperations})
	r.MustRegister(&fakeTool{name: "fs_read", category: CategoryRead})

	for _, name := range []string{"fs_write", "run_command", "git_commit"} {
		res := r.Dispatch(context.Background(), Call{
			Name:     name,
			Input:    json.RawMessage(`{"text":"x"}`),
			ReadOnly: true,
		})
		if !res.IsError || res.Kind != KindPermissionDenied {
			t.Errorf("%s in read-only mode: expected permission_denied, got %+v", name, res)
		}
	}

	res := r.Dispatch(context.Background(), Call{
		Name:     "fs_read",
		Input:    json.RawMessage(`{"text":"x"}`),
		ReadOnly: true,
	})
	if res.IsError {
		t.Errorf("read tool should work in read-only mode: %+v", res)
	}
}

func TestDispatchSafetyGateAsk(t *testing.T) {
	gate := safety.NewGate(safety.Config{
		Enabled:              true,
		ConfirmationRequired: map[string]bool{safety.CategoryFileWrite: true},
	})
	r := NewRegistry(gate, nil, nil, nil)
	r.MustRegister(&fakeTool{name: "fs_write", category: CategoryWrite})

	res := r.Dispatch(context.Background(), Call{Name: "fs_write", Input: json.RawMessage(`{"text":"x"}`)})
	if !res.IsError || res.Kind != KindPermissionDenied {
		t.Fatalf("expected permission_denied for unconfirmed write, got %+v", res)
	}
}

func TestDispatchExecApprovals(t *testing.T) {
	approvals := testApprovals(t, approval.ModeAskOnMiss, approval.AskOnMiss)
	r := NewRegistry(openGate(), approvals, nil, nil)
	r.MustRegister(&fakeTool{name: "run_command", category: CategoryExec, command: "ls /tmp"})

	call := Call{Name: "run_command", Input: json.RawMessage(`{"text":"x"}`), AgentID: "agent-1"}

	// Empty allowlist: ask surfaces as permission_denied so the model can
	// relay the approval request.
	res := r.Dispatch(context.Background(), call)
	if !res.IsError || res.Kind != KindPermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", res)
	}

	// One-shot grant lets exactly one call through.
	resolved := approvals.ResolveExecutable("ls /tmp")
	approvals.GrantOnce("agent-1", resolved)
	res = r.Dispatch(context.Background(), call)
	if res.IsError {
		t.Fatalf("granted call should succeed, got %+v", res)
	}
	res = r.Dispatch(context.Background(), call)
	if !res.IsError || res.Kind != KindPermissionDenied {
		t.Fatalf("post-grant call should ask again, got %+v", res)
	}
}

func TestDispatchPanicRecovery(t *testing.T) {
	r := NewRegistry(openGate(), nil, nil, nil)
	r.MustRegister(&fakeTool{
		name:     "boom",
		category: CategoryRead,
		execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			panic("tool exploded")
		},
	})

	res := r.Dispatch(context.Background(), Call{Name: "boom", Input: json.RawMessage(`{"text":"x"}`)})
	if !res.IsError || res.Kind != KindInternal {
		t.Fatalf("expected internal error from panic, got %+v", res)
	}
}

func TestDispatchHonorsCallerCancellation(t *testing.T) {
	r := NewRegistry(openGate(), nil, nil, nil)
	r.MustRegister(&fakeTool{
		name:     "slow",
		category: CategoryRead,
		execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := r.Dispatch(ctx, Call{Name: "slow", Input: json.RawMessage(`{"text":"x"}`)})
	if !res.IsError || res.Kind != KindTimeout {
		t.Fatalf("expected timeout kind on cancellation, got %+v", res)
	}
}

func TestDispatchDeadlines(t *testing.T) {
	tests := []struct {
		name string
		hint time.Duration
		want time.Duration
	}{
		{"no hint gets default", 0, DefaultTimeout},
		{"hint honored", 30 * time.Second, 30 * time.Second},
		{"hint clamped to cap", 2 * time.Hour, MaxTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got time.Duration
			r := NewRegistry(openGate(), nil, nil, nil)
			r.MustRegister(&fakeTool{
				name:     "timed",
				category: CategoryRead,
				deadline: tt.hint,
				execute: func(ctx context.Context, params json.RawMessage) (*Result, error) {
					if dl, ok := ctx.Deadline(); ok {
						got = time.Until(dl)
					}
					return Text("ok"), nil
				},
			})
			res := r.Dispatch(context.Background(), Call{Name: "timed", Input: json.RawMessage(`{"text":"x"}`)})
			if res.IsError {
				t.Fatalf("dispatch failed: %+v", res)
			}
			if got <= tt.want-time.Second || got > tt.want {
				t.Errorf("deadline ~%s, want ~%s", got, tt.want)
			}
		})
	}
}

func TestDescriptorsSorted(t *testing.T) {
	r := NewRegistry(openGate(), nil, nil, nil)
	r.MustRegister(&fakeTool{name: "zeta", category: CategoryRead})
	r.MustRegister(&fakeTool{name: "alpha", category: CategoryRead})

	descs := r.Descriptors()
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descs))
	}
	if descs[0].Name != "alpha" || descs[1].Name != "zeta" {
		t.Errorf("descriptors not sorted: %v, %v", descs[0].Name, descs[1].Name)
	}
	if len(descs[0].Schema) == 0 {
		t.Error("descriptor schema should be populated")
	}
}
