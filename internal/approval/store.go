// Package approval persists per-agent exec approvals and answers
// allow/ask/deny for resolved commands.
package approval

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SafetyMode controls how exec requests are judged.
type SafetyMode string

const (
	ModeDeny      SafetyMode = "deny"
	ModeAskOnMiss SafetyMode = "ask_on_miss"
	ModeAllowlist SafetyMode = "allowlist"
	ModeFull      SafetyMode = "full"
)

// AskMode controls when the operator is consulted on top of the safety mode.
type AskMode string

const (
	AskOff    AskMode = "off"
	AskOnMiss AskMode = "on_miss"
	AskAlways AskMode = "always"
)

// Decision is the outcome of an approval check.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// Verdict pairs a decision with the path it was computed against.
type Verdict struct {
	Decision     Decision
	ResolvedPath string
	Reason       string
}

type agentEntry struct {
	Allowlist []string `json:"allowlist"`
}

type document struct {
	Defaults struct {
		Security SafetyMode `json:"security"`
		Ask      AskMode    `json:"ask"`
	} `json:"defaults"`
	Agents map[string]*agentEntry `json:"agents"`
}

// Store holds per-agent exec approvals, persisted as a JSON document and
// hot-reloaded when the backing file changes on disk.
type Store struct {
	mu     sync.RWMutex
	path   string
	shell  string
	doc    document
	grants map[string]map[string]struct{}
	logger *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithShell sets the fallback shell path used when executable resolution
// fails. Defaults to /bin/sh.
func WithShell(path string) Option {
	return func(s *Store) {
		if path != "" {
			s.shell = path
		}
	}
}

// NewStore loads (or initializes) the approvals document at path. A missing
// file yields defaults: security=ask_on_miss, ask=on_miss.
func NewStore(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		shell:  "/bin/sh",
		grants: map[string]map[string]struct{}{},
		logger: logger.With("component", "approvals"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func defaultDocument() document {
	var doc document
	doc.Defaults.Security = ModeAskOnMiss
	doc.Defaults.Ask = AskOnMiss
	doc.Agents = map[string]*agentEntry{}
	return doc
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = defaultDocument()
			return nil
		}
		return fmt.Errorf("read approvals file: %w", err)
	}
	doc := defaultDocument()
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse approvals file: %w", err)
	}
	if doc.Agents == nil {
		doc.Agents = map[string]*agentEntry{}
	}
	if doc.Defaults.Security == "" {
		doc.Defaults.Security = ModeAskOnMiss
	}
	if doc.Defaults.Ask == "" {
		doc.Defaults.Ask = AskOnMiss
	}
	s.doc = doc
	return nil
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode approvals: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create approvals dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write approvals: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Modes returns the configured defaults.
func (s *Store) Modes() (SafetyMode, AskMode) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Defaults.Security, s.doc.Defaults.Ask
}

// SetModes updates the defaults and persists.
func (s *Store) SetModes(security SafetyMode, ask AskMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if security != "" {
		s.doc.Defaults.Security = security
	}
	if ask != "" {
		s.doc.Defaults.Ask = ask
	}
	return s.persistLocked()
}

// Allowlist returns the allowlist patterns for an agent.
func (s *Store) Allowlist(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.doc.Agents[agentID]
	if !ok {
		return nil
	}
	return append([]string(nil), entry.Allowlist...)
}

// Add appends a pattern to an agent's allowlist, once. Duplicates are
// ignored so repeated "always allow" grants do not pile up.
func (s *Store) Add(agentID, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return fmt.Errorf("empty allowlist pattern")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.doc.Agents[agentID]
	if !ok {
		entry = &agentEntry{}
		s.doc.Agents[agentID] = entry
	}
	for _, existing := range entry.Allowlist {
		if existing == pattern {
			return nil
		}
	}
	entry.Allowlist = append(entry.Allowlist, pattern)
	return s.persistLocked()
}

// GrantOnce records a one-shot approval for the resolved path. The next
// Decide call for that path consumes it; nothing is persisted.
func (s *Store) GrantOnce(agentID, resolvedPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.grants[agentID]
	if !ok {
		set = map[string]struct{}{}
		s.grants[agentID] = set
	}
	set[resolvedPath] = struct{}{}
}

func (s *Store) consumeGrantLocked(agentID, resolvedPath string) bool {
	set, ok := s.grants[agentID]
	if !ok {
		return false
	}
	if _, ok := set[resolvedPath]; !ok {
		return false
	}
	delete(set, resolvedPath)
	return true
}

// Decide computes the verdict for a raw command string on behalf of an
// agent. The decision is always made against the resolved executable path.
func (s *Store) Decide(agentID, command string) Verdict {
	resolved := s.ResolveExecutable(command)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumeGrantLocked(agentID, resolved) {
		return Verdict{Decision: DecisionAllow, ResolvedPath: resolved, Reason: "one-shot operator grant"}
	}

	matched := false
	if entry, ok := s.doc.Agents[agentID]; ok {
		matched = matchAllowlist(entry.Allowlist, resolved)
	}

	security := s.doc.Defaults.Security
	ask := s.doc.Defaults.Ask

	switch security {
	case ModeDeny:
		return Verdict{Decision: DecisionDeny, ResolvedPath: resolved, Reason: "security mode deny"}
	case ModeFull:
		if ask == AskAlways {
			return Verdict{Decision: DecisionAsk, ResolvedPath: resolved, Reason: "ask mode always"}
		}
		return Verdict{Decision: DecisionAllow, ResolvedPath: resolved, Reason: "security mode full"}
	case ModeAllowlist:
		if matched {
			return Verdict{Decision: DecisionAllow, ResolvedPath: resolved, Reason: "allowlist match"}
		}
		return Verdict{Decision: DecisionDeny, ResolvedPath: resolved, Reason: "not on allowlist"}
	case ModeAskOnMiss:
		if matched && ask != AskAlways {
			return Verdict{Decision: DecisionAllow, ResolvedPath: resolved, Reason: "allowlist match"}
		}
		return Verdict{Decision: DecisionAsk, ResolvedPath: resolved, Reason: "no allowlist match"}
	default:
		return Verdict{Decision: DecisionAsk, ResolvedPath: resolved, Reason: "unknown security mode"}
	}
}

// matchAllowlist reports whether the resolved path matches any entry. An
// entry is either an exact path or carries a single trailing * that matches
// any suffix.
func matchAllowlist(patterns []string, resolved string) bool {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(resolved, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == resolved {
			return true
		}
	}
	return false
}

// Watch starts an fsnotify watcher that reloads the document whenever the
// backing file changes. Call Close to stop it.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create approvals watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch approvals dir: %w", err)
	}
	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.load(); err != nil {
					s.logger.Warn("approvals reload failed", "error", err)
					continue
				}
				s.logger.Info("approvals reloaded", "path", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("approvals watcher error", "error", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (s *Store) Close() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}
