// Package notify lets the agent push a notification to connected operators.
package notify

import (
	"context"
	"encoding/json"

	"github.com/latticehq/lattice/internal/tools"
)

// Broadcaster delivers a notification event to operator connections.
// Implemented by the gateway.
type Broadcaster interface {
	Notify(title, body string)
}

type notifyParams struct {
	Title string `json:"title" jsonschema:"required,description=Short notification title"`
	Body  string `json:"body,omitempty" jsonschema:"description=Notification body text"`
}

// Tool sends a notification through the gateway's event stream.
type Tool struct {
	broadcaster Broadcaster
}

// New creates the notify tool.
func New(b Broadcaster) *Tool {
	return &Tool{broadcaster: b}
}

func (t *Tool) Name() string        { return "notify" }
func (t *Tool) Description() string { return "Send a notification to connected operators." }

func (t *Tool) Category() tools.Category { return tools.CategoryNotify }
func (t *Tool) Schema() json.RawMessage  { return tools.SchemaFor(&notifyParams{}) }

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p notifyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid notify params: %v", err), nil
	}
	if t.broadcaster == nil {
		return tools.Errorf(tools.KindUnsupported, "no notification channel is connected"), nil
	}
	t.broadcaster.Notify(p.Title, p.Body)
	return tools.Text("notification sent: %s", p.Title), nil
}
