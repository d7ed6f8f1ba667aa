// Package skills exposes the read-only skill snapshot injected into agent
// system prompts. Snapshot production lives outside this process; the
// gateway only consumes it.
package skills

import "sync"

// Snapshot is an immutable view of the currently loaded skills.
type Snapshot struct {
	PromptText string `json:"promptText"`
	Version    string `json:"version"`
}

// Provider yields the current snapshot.
type Provider interface {
	Snapshot() Snapshot
}

// StaticProvider serves a snapshot that can be swapped atomically, for
// configs that load skill text once at startup.
type StaticProvider struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStaticProvider creates a provider with an initial snapshot.
func NewStaticProvider(snap Snapshot) *StaticProvider {
	return &StaticProvider{snap: snap}
}

// Snapshot returns the current snapshot.
func (p *StaticProvider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Update swaps the snapshot.
func (p *StaticProvider) Update(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
}
