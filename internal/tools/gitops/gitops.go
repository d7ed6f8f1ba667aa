// Package gitops provides git tools scoped to the workspace repository.
// Read operations are ungated; mutating operations gate as git_operations.
package gitops

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/latticehq/lattice/internal/safety"
	"github.com/latticehq/lattice/internal/tools"
)

func runGit(ctx context.Context, workspace string, args ...string) (*tools.Result, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workspace
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if len(text) == 0 {
			text = err.Error()
		}
		return tools.Errorf(tools.KindIO, "git %s failed: %s", args[0], text), nil
	}
	if text == "" {
		text = fmt.Sprintf("git %s: ok", args[0])
	}
	return &tools.Result{Content: text}, nil
}

type readParams struct {
	Action string `json:"action" jsonschema:"required,enum=status,enum=log,enum=diff,enum=branch,description=Read-only git operation"`
	Args   string `json:"args,omitempty" jsonschema:"description=Extra arguments, e.g. a path for diff or -n for log"`
}

// ReadTool runs read-only git operations.
type ReadTool struct {
	workspace string
}

// NewReadTool creates the git read tool.
func NewReadTool(workspace string) *ReadTool {
	return &ReadTool{workspace: workspace}
}

func (t *ReadTool) Name() string        { return "git_read" }
func (t *ReadTool) Description() string { return "Inspect the workspace git repository (status, log, diff, branch)." }

func (t *ReadTool) Category() tools.Category { return tools.CategoryGit }
func (t *ReadTool) Schema() json.RawMessage  { return tools.SchemaFor(&readParams{}) }

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p readParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid git params: %v", err), nil
	}
	args := []string{p.Action}
	switch p.Action {
	case "log":
		args = append(args, "--oneline", "-20")
	case "status":
		args = append(args, "--short", "--branch")
	}
	args = append(args, splitArgs(p.Args)...)
	return runGit(ctx, t.workspace, args...)
}

type writeParams struct {
	Action  string `json:"action" jsonschema:"required,enum=add,enum=commit,enum=checkout,enum=stash,description=Mutating git operation"`
	Args    string `json:"args,omitempty" jsonschema:"description=Arguments, e.g. paths for add or a branch for checkout"`
	Message string `json:"message,omitempty" jsonschema:"description=Commit message (commit only)"`
}

// WriteTool runs mutating git operations, gated as git_operations.
type WriteTool struct {
	workspace string
}

// NewWriteTool creates the git write tool.
func NewWriteTool(workspace string) *WriteTool {
	return &WriteTool{workspace: workspace}
}

func (t *WriteTool) Name() string        { return "git_write" }
func (t *WriteTool) Description() string { return "Stage, commit, checkout or stash in the workspace repository." }

func (t *WriteTool) Category() tools.Category { return tools.CategoryGit }
func (t *WriteTool) Schema() json.RawMessage  { return tools.SchemaFor(&writeParams{}) }

// GateCategory marks this tool as a gated git mutation.
func (t *WriteTool) GateCategory() string { return safety.CategoryGitOperations }

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p writeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid git params: %v", err), nil
	}
	args := []string{p.Action}
	if p.Action == "commit" {
		if strings.TrimSpace(p.Message) == "" {
			return tools.Errorf(tools.KindValidation, "commit requires a message"), nil
		}
		args = append(args, "-m", p.Message)
	}
	args = append(args, splitArgs(p.Args)...)
	return runGit(ctx, t.workspace, args...)
}

func splitArgs(raw string) []string {
	fields := strings.Fields(raw)
	out := fields[:0]
	for _, f := range fields {
		// Option injection guard for free-form args.
		if strings.HasPrefix(f, "--upload-pack") || strings.HasPrefix(f, "--exec") {
			continue
		}
		out = append(out, f)
	}
	return out
}
