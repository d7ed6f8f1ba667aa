// Package nodetool lets the agent list connected nodes and invoke commands
// on them through the node registry.
package nodetool

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/latticehq/lattice/internal/nodes"
	"github.com/latticehq/lattice/internal/tools"
)

type listParams struct{}

// ListTool snapshots the connected nodes.
type ListTool struct {
	registry *nodes.Registry
}

// NewListTool creates the node_list tool.
func NewListTool(registry *nodes.Registry) *ListTool {
	return &ListTool{registry: registry}
}

func (t *ListTool) Name() string        { return "node_list" }
func (t *ListTool) Description() string { return "List connected nodes with their commands and capabilities." }

func (t *ListTool) Category() tools.Category { return tools.CategoryNode }
func (t *ListTool) Schema() json.RawMessage  { return tools.SchemaFor(&listParams{}) }

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	records := t.registry.List()
	data, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Content: string(data)}, nil
}

type invokeParams struct {
	NodeID         string          `json:"nodeId" jsonschema:"required,description=Connection id of the target node"`
	Command        string          `json:"command" jsonschema:"required,description=Command name the node advertises"`
	Params         json.RawMessage `json:"params,omitempty" jsonschema:"description=Command parameters"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty" jsonschema:"minimum=0,description=Invoke deadline in seconds"`
}

// InvokeTool sends one command to one node and waits for the response.
type InvokeTool struct {
	registry *nodes.Registry
}

// NewInvokeTool creates the node_invoke tool.
func NewInvokeTool(registry *nodes.Registry) *InvokeTool {
	return &InvokeTool{registry: registry}
}

func (t *InvokeTool) Name() string        { return "node_invoke" }
func (t *InvokeTool) Description() string { return "Invoke a command on a connected node and return its result." }

func (t *InvokeTool) Category() tools.Category { return tools.CategoryNode }
func (t *InvokeTool) Schema() json.RawMessage  { return tools.SchemaFor(&invokeParams{}) }

func (t *InvokeTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p invokeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid invoke params: %v", err), nil
	}
	timeout := time.Duration(p.TimeoutSeconds) * time.Second

	res, err := t.registry.Invoke(ctx, p.NodeID, p.Command, p.Params, timeout)
	if err != nil {
		switch {
		case errors.Is(err, nodes.ErrNodeNotFound):
			return tools.Errorf(tools.KindNotFound, "%v", err), nil
		case errors.Is(err, nodes.ErrCommandNotSupported):
			return tools.Errorf(tools.KindUnsupported, "%v", err), nil
		case errors.Is(err, nodes.ErrInvokeTimeout), errors.Is(err, context.DeadlineExceeded):
			return tools.Errorf(tools.KindTimeout, "%v", err), nil
		case errors.Is(err, nodes.ErrNodeDisconnected):
			return tools.Errorf(tools.KindIO, "%v", err), nil
		case errors.Is(err, context.Canceled):
			return tools.Errorf(tools.KindTimeout, "invoke cancelled"), nil
		default:
			return tools.Errorf(tools.KindIO, "node invoke failed: %v", err), nil
		}
	}
	return &tools.Result{Content: string(res.Payload)}, nil
}
