// Package skilltool surfaces the loaded skill snapshot to the agent.
package skilltool

import (
	"context"
	"encoding/json"

	"github.com/latticehq/lattice/internal/skills"
	"github.com/latticehq/lattice/internal/tools"
)

type params struct{}

// Tool reports the current skill snapshot.
type Tool struct {
	provider skills.Provider
}

// New creates the skills tool.
func New(provider skills.Provider) *Tool {
	return &Tool{provider: provider}
}

func (t *Tool) Name() string        { return "skills" }
func (t *Tool) Description() string { return "Show the currently loaded skills and their version." }

func (t *Tool) Category() tools.Category { return tools.CategorySkill }
func (t *Tool) Schema() json.RawMessage  { return tools.SchemaFor(&params{}) }

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*tools.Result, error) {
	if t.provider == nil {
		return tools.Errorf(tools.KindUnsupported, "no skill provider configured"), nil
	}
	snap := t.provider.Snapshot()
	if snap.PromptText == "" {
		return tools.Text("no skills loaded"), nil
	}
	return tools.Text("skills version %s:\n%s", snap.Version, snap.PromptText), nil
}
