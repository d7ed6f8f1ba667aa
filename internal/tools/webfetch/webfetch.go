// Package webfetch provides an HTTP GET tool for the agent.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/latticehq/lattice/internal/tools"
)

const (
	maxBodyBytes   = 500_000
	requestTimeout = 30 * time.Second
)

type fetchParams struct {
	URL      string `json:"url" jsonschema:"required,description=HTTP or HTTPS URL to fetch"`
	MaxBytes int    `json:"maxBytes,omitempty" jsonschema:"minimum=0,description=Response size cap"`
}

// Tool fetches a URL and returns the body text.
type Tool struct {
	client *http.Client
}

// New creates the web fetch tool.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: requestTimeout}}
}

func (t *Tool) Name() string        { return "web_fetch" }
func (t *Tool) Description() string { return "Fetch a URL over HTTP GET and return the response body." }

func (t *Tool) Category() tools.Category { return tools.CategoryNetwork }
func (t *Tool) Schema() json.RawMessage  { return tools.SchemaFor(&fetchParams{}) }

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p fetchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.Errorf(tools.KindValidation, "invalid fetch params: %v", err), nil
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		return tools.Errorf(tools.KindValidation, "url must be http(s): %s", p.URL), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return tools.Errorf(tools.KindValidation, "build request: %v", err), nil
	}
	req.Header.Set("User-Agent", "lattice/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tools.Errorf(tools.KindTimeout, "fetch %s: %v", p.URL, ctx.Err()), nil
		}
		return tools.Errorf(tools.KindIO, "fetch %s: %v", p.URL, err), nil
	}
	defer resp.Body.Close()

	limit := p.MaxBytes
	if limit <= 0 || limit > maxBodyBytes {
		limit = maxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return tools.Errorf(tools.KindIO, "read body: %v", err), nil
	}
	truncated := len(body) > limit
	if truncated {
		body = body[:limit]
	}

	if resp.StatusCode >= 400 {
		return tools.Errorf(tools.KindIO, "fetch %s: status %d\n%s", p.URL, resp.StatusCode, body), nil
	}
	content := fmt.Sprintf("status %d\n%s", resp.StatusCode, body)
	if truncated {
		content += fmt.Sprintf("\n[truncated at %d bytes]", limit)
	}
	return &tools.Result{Content: content}, nil
}
