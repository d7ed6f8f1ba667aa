package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/latticehq/lattice/internal/tools"
)

type execParams struct {
	Command        string            `json:"command" jsonschema:"required,description=Shell command to execute"`
	Cwd            string            `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace"`
	Env            map[string]string `json:"env,omitempty" jsonschema:"description=Environment overrides"`
	Input          string            `json:"input,omitempty" jsonschema:"description=Stdin content"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" jsonschema:"minimum=0,description=Timeout in seconds (0 uses the default)"`
	Background     bool              `json:"background,omitempty" jsonschema:"description=Run in background and return a session id"`
}

// ExecTool runs shell commands in the workspace, foreground or background.
type ExecTool struct {
	manager *Manager
}

// NewExecTool creates the exec tool.
func NewExecTool(manager *Manager) *ExecTool {
	return &ExecTool{manager: manager}
}

func (t *ExecTool) Name() string { return "run_command" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace. Set background=true to get a session id for polling."
}

func (t *ExecTool) Category() tools.Category { return tools.CategoryExec }

func (t *ExecTool) Schema() json.RawMessage { return tools.SchemaFor(&execParams{}) }

// Command exposes the raw command for approval resolution.
func (t *ExecTool) Command(params json.RawMessage) string {
	var p execParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Command
}

// Deadline reports the requested foreground timeout so the dispatcher can
// size the invocation context. Background starts return immediately and keep
// the default.
func (t *ExecTool) Deadline(params json.RawMessage) time.Duration {
	var p execParams
	if err := json.Unmarshal(params, &p); err != nil || p.Background {
		return 0
	}
	return clampTimeout(time.Duration(p.TimeoutSeconds) * time.Second)
}

func (t *ExecTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p execParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid exec params: %v", err), nil
	}
	timeout := time.Duration(p.TimeoutSeconds) * time.Second

	if p.Background {
		id, err := t.manager.Start(p.Command, p.Cwd, p.Env, p.Input, timeout)
		if err != nil {
			return tools.Errorf(tools.KindIO, "start background command: %v", err), nil
		}
		return tools.Text("started background session %s", id), nil
	}

	res, err := t.manager.Run(ctx, p.Command, p.Cwd, p.Env, p.Input, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return tools.Errorf(tools.KindTimeout, "command timed out\nstdout:\n%s\nstderr:\n%s", res.Stdout, res.Stderr), nil
		}
		return tools.Errorf(tools.KindIO, "run command: %v", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", res.Stderr)
	}
	out := &tools.Result{Content: strings.TrimRight(b.String(), "\n")}
	if res.ExitCode != 0 {
		out.IsError = true
		out.Kind = tools.KindIO
	}
	return out, nil
}

type processParams struct {
	Action    string `json:"action" jsonschema:"required,enum=list,enum=poll,enum=log,enum=kill,enum=remove,enum=write,description=Operation on the background process table"`
	SessionID string `json:"sessionId,omitempty" jsonschema:"description=Background session id (required for everything except list)"`
	Offset    int    `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset into stdout for log slicing"`
	Data      string `json:"data,omitempty" jsonschema:"description=Stdin data for the write action"`
}

// ProcessTool inspects and controls background exec sessions.
type ProcessTool struct {
	manager *Manager
}

// NewProcessTool creates the process tool.
func NewProcessTool(manager *Manager) *ProcessTool {
	return &ProcessTool{manager: manager}
}

func (t *ProcessTool) Name() string { return "process" }

func (t *ProcessTool) Description() string {
	return "List, poll, read logs from, kill or remove background command sessions."
}

func (t *ProcessTool) Category() tools.Category { return tools.CategoryRead }

func (t *ProcessTool) Schema() json.RawMessage { return tools.SchemaFor(&processParams{}) }

func (t *ProcessTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p processParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid process params: %v", err), nil
	}

	switch p.Action {
	case "list":
		infos := t.manager.List()
		data, err := json.Marshal(infos)
		if err != nil {
			return nil, err
		}
		return &tools.Result{Content: string(data)}, nil
	case "poll":
		info, ok := t.manager.Poll(p.SessionID)
		if !ok {
			return tools.Errorf(tools.KindNotFound, "no session %s", p.SessionID), nil
		}
		data, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		return &tools.Result{Content: string(data)}, nil
	case "log":
		stdout, stderr, ok := t.manager.Log(p.SessionID, p.Offset)
		if !ok {
			return tools.Errorf(tools.KindNotFound, "no session %s", p.SessionID), nil
		}
		return tools.Text("stdout:\n%s\nstderr:\n%s", stdout, stderr), nil
	case "kill":
		if err := t.manager.Kill(p.SessionID); err != nil {
			return tools.Errorf(tools.KindNotFound, "%v", err), nil
		}
		return tools.Text("killed session %s", p.SessionID), nil
	case "remove":
		if err := t.manager.Remove(p.SessionID); err != nil {
			return tools.Errorf(tools.KindNotFound, "%v", err), nil
		}
		return tools.Text("removed session %s", p.SessionID), nil
	case "write":
		if err := t.manager.Write(p.SessionID, p.Data); err != nil {
			return tools.Errorf(tools.KindNotFound, "%v", err), nil
		}
		return tools.Text("wrote %d bytes to session %s", len(p.Data), p.SessionID), nil
	default:
		return tools.Errorf(tools.KindValidation, "unknown action: %s", p.Action), nil
	}
}
