package providers

import (
	"strings"

	"github.com/latticehq/lattice/internal/agent"
)

type rule struct {
	prefix string
	client agent.ModelClient
}

// Router maps model ids to the client that serves them. Rules match on model
// id prefix in registration order; the fallback serves everything else.
type Router struct {
	rules    []rule
	fallback agent.ModelClient
}

func NewRouter() *Router {
	return &Router{}
}

// Route registers a client for models starting with prefix.
func (r *Router) Route(prefix string, client agent.ModelClient) {
	r.rules = append(r.rules, rule{prefix: prefix, client: client})
}

// Fallback registers the client for models no rule matches.
func (r *Router) Fallback(client agent.ModelClient) {
	r.fallback = client
}

// Select returns the client serving model, or nil when none is configured.
func (r *Router) Select(model string) agent.ModelClient {
	for _, rule := range r.rules {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.client
		}
	}
	return r.fallback
}
