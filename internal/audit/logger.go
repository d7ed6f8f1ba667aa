// Package audit records side-effectful decisions: gated tool calls, exec
// approvals, node invokes and run lifecycle transitions.
package audit

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// EventType classifies audit entries.
type EventType string

const (
	EventToolInvocation EventType = "tool.invocation"
	EventToolDenied     EventType = "tool.denied"
	EventExecApproval   EventType = "exec.approval"
	EventNodeInvoke     EventType = "node.invoke"
	EventRunStarted     EventType = "run.started"
	EventRunFinished    EventType = "run.finished"
)

// Outcome of the audited action.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeAsked   Outcome = "asked"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
	OutcomeOK      Outcome = "ok"
)

// Event is one audit entry.
type Event struct {
	Time     time.Time
	Type     EventType
	AgentID  string
	RunID    string
	Action   string
	Category string
	Details  string
	Outcome  Outcome
}

// Config controls the audit logger.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`      // "stdout", "stderr", or "file:<path>"
	Buffer  int    `yaml:"buffer_size"` // pending events before Record blocks drop
}

// Logger writes audit events asynchronously through a buffered channel so
// callers on the hot path never block on disk.
type Logger struct {
	cfg     Config
	out     io.WriteCloser
	closeFn bool
	slogger *slog.Logger
	buffer  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLogger opens the configured output and starts the writer goroutine.
// A disabled config yields a no-op logger.
func NewLogger(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{cfg: cfg}, nil
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}

	var out io.WriteCloser
	closeFn := false
	switch {
	case cfg.Output == "" || cfg.Output == "stdout":
		out = os.Stdout
	case cfg.Output == "stderr":
		out = os.Stderr
	case strings.HasPrefix(cfg.Output, "file:"):
		f, err := os.OpenFile(strings.TrimPrefix(cfg.Output, "file:"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		out = f
		closeFn = true
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", cfg.Output)
	}

	l := &Logger{
		cfg:     cfg,
		out:     out,
		closeFn: closeFn,
		slogger: slog.New(slog.NewJSONHandler(out, nil)),
		buffer:  make(chan Event, cfg.Buffer),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l, nil
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.buffer:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.buffer:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(ev Event) {
	l.slogger.Info("audit",
		"type", string(ev.Type),
		"agent", ev.AgentID,
		"run", ev.RunID,
		"action", ev.Action,
		"category", ev.Category,
		"details", ev.Details,
		"outcome", string(ev.Outcome),
		"at", ev.Time.Format(time.RFC3339Nano),
	)
}

// Record enqueues one event. Full buffers drop the event rather than block.
func (l *Logger) Record(ev Event) {
	if l == nil || !l.cfg.Enabled {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case l.buffer <- ev:
	default:
	}
}

// Close flushes pending events and releases the output.
func (l *Logger) Close() {
	if l == nil || !l.cfg.Enabled {
		return
	}
	close(l.done)
	l.wg.Wait()
	if l.closeFn {
		l.out.Close()
	}
}
