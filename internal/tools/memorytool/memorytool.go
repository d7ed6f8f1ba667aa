// Package memorytool exposes the note store to the agent.
package memorytool

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/latticehq/lattice/internal/memory"
	"github.com/latticehq/lattice/internal/tools"
)

type storeParams struct {
	Content string `json:"content" jsonschema:"required,description=The fact or note to remember"`
	Tags    string `json:"tags,omitempty" jsonschema:"description=Comma-separated tags"`
}

// StoreTool saves a note.
type StoreTool struct {
	store   *memory.Store
	agentID string
}

// NewStoreTool creates the memory_store tool scoped to one agent.
func NewStoreTool(store *memory.Store, agentID string) *StoreTool {
	return &StoreTool{store: store, agentID: agentID}
}

func (t *StoreTool) Name() string        { return "memory_store" }
func (t *StoreTool) Description() string { return "Save a note for later recall." }

func (t *StoreTool) Category() tools.Category { return tools.CategoryMemory }
func (t *StoreTool) Schema() json.RawMessage  { return tools.SchemaFor(&storeParams{}) }

func (t *StoreTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p storeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid memory params: %v", err), nil
	}
	id, err := t.store.Save(ctx, t.agentID, p.Content, p.Tags)
	if err != nil {
		return tools.Errorf(tools.KindIO, "save note: %v", err), nil
	}
	return tools.Text("saved note %s", id), nil
}

type searchParams struct {
	Query string `json:"query" jsonschema:"required,description=Substring to search notes for"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,description=Maximum notes to return"`
}

// SearchTool finds notes by substring.
type SearchTool struct {
	store   *memory.Store
	agentID string
}

// NewSearchTool creates the memory_search tool scoped to one agent.
func NewSearchTool(store *memory.Store, agentID string) *SearchTool {
	return &SearchTool{store: store, agentID: agentID}
}

func (t *SearchTool) Name() string        { return "memory_search" }
func (t *SearchTool) Description() string { return "Search previously saved notes." }

func (t *SearchTool) Category() tools.Category { return tools.CategoryMemory }
func (t *SearchTool) Schema() json.RawMessage  { return tools.SchemaFor(&searchParams{}) }

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p searchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid search params: %v", err), nil
	}
	notes, err := t.store.Search(ctx, t.agentID, p.Query, p.Limit)
	if err != nil {
		return tools.Errorf(tools.KindIO, "search notes: %v", err), nil
	}
	if len(notes) == 0 {
		return tools.Text("no notes match %q", p.Query), nil
	}
	var b strings.Builder
	for _, n := range notes {
		b.WriteString("- ")
		b.WriteString(n.Content)
		if n.Tags != "" {
			b.WriteString(" [" + n.Tags + "]")
		}
		b.WriteString("\n")
	}
	return &tools.Result{Content: strings.TrimRight(b.String(), "\n")}, nil
}
