// Package shell provides foreground and background command execution tools.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/tools"
)

// maxOutputBytes caps each captured stream per process. Overflow drops the
// oldest bytes so the tail of the output is always available.
const maxOutputBytes = 64 << 10

// Command lifetimes: an unset timeout gets the default, a requested one is
// clamped to the cap. Background jobs are bounded the same way so every
// record eventually reaches the finished state.
const (
	DefaultTimeout = 120 * time.Second
	MaxTimeout     = 600 * time.Second
)

func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return min(d, MaxTimeout)
}

// Manager owns the background process table: spawn, poll, slice logs, kill
// and remove.
type Manager struct {
	mu        sync.Mutex
	processes map[string]*process
	resolver  tools.Resolver
	shell     string
}

// NewManager creates a manager scoped to the workspace root.
func NewManager(workspace string) *Manager {
	return &Manager{
		processes: map[string]*process{},
		resolver:  tools.Resolver{Root: workspace},
		shell:     "/bin/sh",
	}
}

type process struct {
	id       string
	command  string
	cmd      *exec.Cmd
	stdout   *limitedBuffer
	stderr   *limitedBuffer
	stdin    io.WriteCloser
	started  time.Time
	done     chan struct{}
	exitCode int
	err      error
	timedOut bool
}

func (p *process) status() string {
	select {
	case <-p.done:
		return "finished"
	default:
		return "running"
	}
}

// ExecResult summarizes a synchronous run.
type ExecResult struct {
	Command  string        `json:"command"`
	Cwd      string        `json:"cwd"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
}

// ProcessInfo summarizes a managed background process.
type ProcessInfo struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	ExitCode  int       `json:"exitCode"`
	TimedOut  bool      `json:"timedOut,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (m *Manager) buildCommand(ctx context.Context, command, cwd string, env map[string]string, input string) (*exec.Cmd, *limitedBuffer, *limitedBuffer, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil, nil, fmt.Errorf("command is required")
	}
	dir := ""
	if cwd != "" {
		resolved, err := m.resolver.Resolve(cwd)
		if err != nil {
			return nil, nil, nil, err
		}
		dir = resolved
	} else if resolved, err := m.resolver.Resolve("."); err == nil {
		dir = resolved
	}

	cmd := exec.CommandContext(ctx, m.shell, "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		base := os.Environ()
		for k, v := range env {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}

	stdout := newLimitedBuffer(maxOutputBytes)
	stderr := newLimitedBuffer(maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	return cmd, stdout, stderr, nil
}

// Run executes a command synchronously. The timeout is defaulted and capped
// by clampTimeout.
func (m *Manager) Run(ctx context.Context, command, cwd string, env map[string]string, input string, timeout time.Duration) (ExecResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, clampTimeout(timeout))
	defer cancel()
	cmd, stdout, stderr, err := m.buildCommand(runCtx, command, cwd, env, input)
	if err != nil {
		return ExecResult{}, err
	}
	start := time.Now()
	runErr := cmd.Run()
	res := ExecResult{
		Command:  command,
		Cwd:      cmd.Dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(runErr),
		Duration: time.Since(start),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return res, context.DeadlineExceeded
	}
	return res, nil
}

// Start launches a background process and returns its session id. The
// process is detached from the caller's ctx; its lifetime is bounded by the
// clamped timeout, so an abandoned job is killed and marked timed out.
func (m *Manager) Start(command, cwd string, env map[string]string, input string, timeout time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(context.Background(), clampTimeout(timeout))

	cmd, stdout, stderr, err := m.buildCommand(runCtx, command, cwd, env, "")
	if err != nil {
		cancel()
		return "", err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return "", fmt.Errorf("stdin pipe: %w", err)
	}

	proc := &process{
		id:      uuid.NewString(),
		command: command,
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		stdin:   stdin,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		cancel()
		stdin.Close()
		return "", fmt.Errorf("start command: %w", err)
	}
	if input != "" {
		if _, err := io.WriteString(stdin, input); err != nil {
			stdin.Close()
		}
	}

	go func() {
		err := cmd.Wait()
		proc.exitCode = exitCode(err)
		proc.err = err
		if runCtx.Err() == context.DeadlineExceeded {
			proc.timedOut = true
		}
		close(proc.done)
		cancel()
		stdin.Close()
	}()

	m.mu.Lock()
	m.processes[proc.id] = proc
	m.mu.Unlock()
	return proc.id, nil
}

// List snapshots the process table, oldest first.
func (m *Manager) List() []ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessInfo, 0, len(m.processes))
	for _, p := range m.processes {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Poll returns the current state of one process.
func (m *Manager) Poll(id string) (ProcessInfo, bool) {
	m.mu.Lock()
	p, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return ProcessInfo{}, false
	}
	return p.info(), true
}

// Log returns the captured output streams, sliced from offset.
func (m *Manager) Log(id string, offset int) (stdout, stderr string, ok bool) {
	m.mu.Lock()
	p, found := m.processes[id]
	m.mu.Unlock()
	if !found {
		return "", "", false
	}
	out := p.stdout.String()
	if offset > 0 && offset < len(out) {
		out = out[offset:]
	} else if offset >= len(out) {
		out = ""
	}
	return out, p.stderr.String(), true
}

// Kill terminates a running process. Killing an already-finished process is
// a no-op success.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	p, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("process not found: %s", id)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill process: %w", err)
		}
	}
	<-p.done
	return nil
}

// Remove drops a finished process from the table.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return fmt.Errorf("process not found: %s", id)
	}
	select {
	case <-p.done:
	default:
		return fmt.Errorf("process still running: %s", id)
	}
	delete(m.processes, id)
	return nil
}

// Write feeds data to a running process's stdin.
func (m *Manager) Write(id, data string) error {
	m.mu.Lock()
	p, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("process not found: %s", id)
	}
	select {
	case <-p.done:
		return fmt.Errorf("process already finished: %s", id)
	default:
	}
	if _, err := io.WriteString(p.stdin, data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (p *process) info() ProcessInfo {
	info := ProcessInfo{
		ID:        p.id,
		Command:   p.command,
		Status:    p.status(),
		StartedAt: p.started,
		TimedOut:  p.timedOut,
	}
	if info.Status == "finished" {
		info.ExitCode = p.exitCode
		if p.err != nil {
			info.Error = p.err.Error()
		}
	}
	return info
}

// limitedBuffer keeps at most max bytes, dropping the oldest on overflow so
// the tail survives.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if b.max > 0 && len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
