// Package files provides workspace-scoped filesystem tools.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/latticehq/lattice/internal/tools"
)

// maxReadBytes caps a single read so a large file cannot blow up a prompt.
const maxReadBytes = 200_000

type readParams struct {
	Path     string `json:"path" jsonschema:"required,description=Path relative to the workspace"`
	Offset   int    `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start reading from"`
	MaxBytes int    `json:"maxBytes,omitempty" jsonschema:"minimum=0,description=Maximum bytes to read"`
}

// ReadTool reads a file from the workspace.
type ReadTool struct {
	resolver tools.Resolver
}

// NewReadTool creates a read tool scoped to the workspace root.
func NewReadTool(workspace string) *ReadTool {
	return &ReadTool{resolver: tools.Resolver{Root: workspace}}
}

func (t *ReadTool) Name() string        { return "fs_read" }
func (t *ReadTool) Description() string { return "Read a file from the workspace." }

func (t *ReadTool) Category() tools.Category { return tools.CategoryRead }
func (t *ReadTool) Schema() json.RawMessage  { return tools.SchemaFor(&readParams{}) }

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p readParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid read params: %v", err), nil
	}
	path, err := t.resolver.Resolve(p.Path)
	if err != nil {
		return tools.Errorf(tools.KindPermissionDenied, "%v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.Errorf(tools.KindNotFound, "no such file: %s", p.Path), nil
		}
		return tools.Errorf(tools.KindIO, "read %s: %v", p.Path, err), nil
	}
	if p.Offset > 0 {
		if p.Offset >= len(data) {
			data = nil
		} else {
			data = data[p.Offset:]
		}
	}
	limit := p.MaxBytes
	if limit <= 0 || limit > maxReadBytes {
		limit = maxReadBytes
	}
	truncated := false
	if len(data) > limit {
		data = data[:limit]
		truncated = true
	}
	content := string(data)
	if truncated {
		content += fmt.Sprintf("\n[truncated at %d bytes]", limit)
	}
	return &tools.Result{Content: content}, nil
}

type writeParams struct {
	Path    string `json:"path" jsonschema:"required,description=Path relative to the workspace"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

// WriteTool writes a file inside the workspace.
type WriteTool struct {
	resolver tools.Resolver
}

// NewWriteTool creates a write tool scoped to the workspace root.
func NewWriteTool(workspace string) *WriteTool {
	return &WriteTool{resolver: tools.Resolver{Root: workspace}}
}

func (t *WriteTool) Name() string        { return "fs_write" }
func (t *WriteTool) Description() string { return "Write or append a file in the workspace." }

func (t *WriteTool) Category() tools.Category { return tools.CategoryWrite }
func (t *WriteTool) Schema() json.RawMessage  { return tools.SchemaFor(&writeParams{}) }

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p writeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid write params: %v", err), nil
	}
	path, err := t.resolver.Resolve(p.Path)
	if err != nil {
		return tools.Errorf(tools.KindPermissionDenied, "%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tools.Errorf(tools.KindIO, "create parent dir: %v", err), nil
	}
	if p.Append {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return tools.Errorf(tools.KindIO, "open %s: %v", p.Path, err), nil
		}
		defer f.Close()
		if _, err := f.WriteString(p.Content); err != nil {
			return tools.Errorf(tools.KindIO, "append %s: %v", p.Path, err), nil
		}
		return tools.Text("appended %d bytes to %s", len(p.Content), p.Path), nil
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return tools.Errorf(tools.KindIO, "write %s: %v", p.Path, err), nil
	}
	return tools.Text("wrote %d bytes to %s", len(p.Content), p.Path), nil
}

type listParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace (default: workspace root)"`
}

// ListTool lists a workspace directory.
type ListTool struct {
	resolver tools.Resolver
}

// NewListTool creates a list tool scoped to the workspace root.
func NewListTool(workspace string) *ListTool {
	return &ListTool{resolver: tools.Resolver{Root: workspace}}
}

func (t *ListTool) Name() string        { return "fs_list" }
func (t *ListTool) Description() string { return "List directory entries in the workspace." }

func (t *ListTool) Category() tools.Category { return tools.CategoryRead }
func (t *ListTool) Schema() json.RawMessage  { return tools.SchemaFor(&listParams{}) }

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p listParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid list params: %v", err), nil
	}
	dir := p.Path
	if dir == "" {
		dir = "."
	}
	path, err := t.resolver.Resolve(dir)
	if err != nil {
		return tools.Errorf(tools.KindPermissionDenied, "%v", err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.Errorf(tools.KindNotFound, "no such directory: %s", dir), nil
		}
		return tools.Errorf(tools.KindIO, "list %s: %v", dir, err), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &tools.Result{Content: strings.Join(names, "\n")}, nil
}

type deleteParams struct {
	Path string `json:"path" jsonschema:"required,description=File to delete, relative to the workspace"`
}

// DeleteTool removes a single file from the workspace.
type DeleteTool struct {
	resolver tools.Resolver
}

// NewDeleteTool creates a delete tool scoped to the workspace root.
func NewDeleteTool(workspace string) *DeleteTool {
	return &DeleteTool{resolver: tools.Resolver{Root: workspace}}
}

func (t *DeleteTool) Name() string        { return "delete_file" }
func (t *DeleteTool) Description() string { return "Delete a file from the workspace." }

func (t *DeleteTool) Category() tools.Category { return tools.CategoryWrite }
func (t *DeleteTool) Schema() json.RawMessage  { return tools.SchemaFor(&deleteParams{}) }

func (t *DeleteTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p deleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid delete params: %v", err), nil
	}
	path, err := t.resolver.Resolve(p.Path)
	if err != nil {
		return tools.Errorf(tools.KindPermissionDenied, "%v", err), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.Errorf(tools.KindNotFound, "no such file: %s", p.Path), nil
		}
		return tools.Errorf(tools.KindIO, "stat %s: %v", p.Path, err), nil
	}
	if info.IsDir() {
		return tools.Errorf(tools.KindValidation, "%s is a directory", p.Path), nil
	}
	if err := os.Remove(path); err != nil {
		return tools.Errorf(tools.KindIO, "delete %s: %v", p.Path, err), nil
	}
	return tools.Text("deleted %s", p.Path), nil
}
