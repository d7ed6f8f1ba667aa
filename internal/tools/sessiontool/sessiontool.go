// Package sessiontool exposes transcript inspection to the agent.
package sessiontool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/tools"
)

type params struct {
	Action     string `json:"action" jsonschema:"required,enum=list,enum=history,enum=clear,description=Session operation"`
	SessionKey string `json:"sessionKey,omitempty" jsonschema:"description=Target session key (history and clear)"`
	Limit      int    `json:"limit,omitempty" jsonschema:"minimum=1,description=Maximum entries to return"`
}

// Tool lists sessions and reads or clears transcripts.
type Tool struct {
	store *sessions.Store
}

// New creates the sessions tool.
func New(store *sessions.Store) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Name() string        { return "sessions" }
func (t *Tool) Description() string { return "List sessions, read a transcript, or clear one." }

func (t *Tool) Category() tools.Category { return tools.CategorySession }
func (t *Tool) Schema() json.RawMessage  { return tools.SchemaFor(&params{}) }

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*tools.Result, error) {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid session params: %v", err), nil
	}
	switch p.Action {
	case "list":
		infos := t.store.List(p.Limit)
		data, err := json.Marshal(infos)
		if err != nil {
			return nil, err
		}
		return &tools.Result{Content: string(data)}, nil
	case "history":
		key := t.store.Resolve(p.SessionKey)
		msgs := t.store.History(key, p.Limit)
		if len(msgs) == 0 {
			return tools.Text("session %s is empty", key), nil
		}
		var b strings.Builder
		for _, m := range msgs {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
		return &tools.Result{Content: strings.TrimRight(b.String(), "\n")}, nil
	case "clear":
		key := t.store.Resolve(p.SessionKey)
		t.store.Clear(key)
		return tools.Text("cleared session %s", key), nil
	default:
		return tools.Errorf(tools.KindValidation, "unknown action: %s", p.Action), nil
	}
}
