// Package nodes tracks connected node daemons and correlates invoke
// commands with their responses.
package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lattice/nodes")

var (
	// ErrNodeNotFound indicates no live node matches the id.
	ErrNodeNotFound = errors.New("node not found")

	// ErrCommandNotSupported indicates the node does not advertise the command.
	ErrCommandNotSupported = errors.New("command not supported by node")

	// ErrInvokeTimeout indicates the node did not respond before the deadline.
	ErrInvokeTimeout = errors.New("node invoke timed out")

	// ErrNodeDisconnected indicates the node dropped while an invoke was pending.
	ErrNodeDisconnected = errors.New("node_disconnected")
)

// DefaultInvokeTimeout bounds how long an invoke waits for a node response.
const DefaultInvokeTimeout = 60 * time.Second

// Sender delivers an invoke frame to a node connection. Implemented by the
// gateway's WS session.
type Sender interface {
	SendInvoke(invokeID, command string, params json.RawMessage) error
}

// Record describes one live node.
type Record struct {
	ConnectionID string          `json:"connectionId"`
	Caps         []string        `json:"caps"`
	Commands     []string        `json:"commands"`
	Permissions  map[string]bool `json:"permissions"`
	ConnectedAt  time.Time       `json:"connectedAt"`
}

type node struct {
	record Record
	sender Sender
}

// InvokeResult is a completed node response.
type InvokeResult struct {
	OK      bool
	Payload json.RawMessage
	Err     error
}

type pendingInvoke struct {
	invokeID     string
	connectionID string
	command      string
	result       chan InvokeResult
}

// Registry owns the set of live nodes and their pending invokes. A record
// exists iff the underlying connection is live and handshaken as a node.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	pending map[string]*pendingInvoke
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:   map[string]*node{},
		pending: map[string]*pendingInvoke{},
		logger:  logger.With("component", "nodes"),
	}
}

// Register adds a node for a live connection.
func (r *Registry) Register(rec Record, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = time.Now()
	}
	r.nodes[rec.ConnectionID] = &node{record: rec, sender: sender}
	r.logger.Info("node registered", "connection", rec.ConnectionID, "commands", len(rec.Commands))
}

// Unregister removes the node and fails all of its pending invokes with
// ErrNodeDisconnected.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	var failed []*pendingInvoke
	if _, ok := r.nodes[connectionID]; ok {
		delete(r.nodes, connectionID)
		for id, p := range r.pending {
			if p.connectionID == connectionID {
				failed = append(failed, p)
				delete(r.pending, id)
			}
		}
	}
	r.mu.Unlock()

	for _, p := range failed {
		p.result <- InvokeResult{Err: ErrNodeDisconnected}
	}
	if len(failed) > 0 {
		r.logger.Warn("node disconnect failed pending invokes", "connection", connectionID, "count", len(failed))
	}
}

// List returns a snapshot of live nodes.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.record)
	}
	return out
}

// Get returns the record for a connection id.
func (r *Registry) Get(connectionID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[connectionID]
	if !ok {
		return Record{}, false
	}
	return n.record, true
}

func (n *node) supports(command string) bool {
	for _, c := range n.record.Commands {
		if c == command {
			return true
		}
	}
	return false
}

// Invoke sends a command to a node and waits for the correlated response,
// the timeout, or ctx cancellation. timeout <= 0 uses the default.
func (r *Registry) Invoke(ctx context.Context, connectionID, command string, params json.RawMessage, timeout time.Duration) (InvokeResult, error) {
	ctx, span := tracer.Start(ctx, "node.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("node.id", connectionID),
		attribute.String("node.command", command),
	)

	res, err := r.invoke(ctx, connectionID, command, params, timeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (r *Registry) invoke(ctx context.Context, connectionID, command string, params json.RawMessage, timeout time.Duration) (InvokeResult, error) {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	r.mu.Lock()
	n, ok := r.nodes[connectionID]
	if !ok {
		r.mu.Unlock()
		return InvokeResult{}, fmt.Errorf("%w: %s", ErrNodeNotFound, connectionID)
	}
	if !n.supports(command) {
		r.mu.Unlock()
		return InvokeResult{}, fmt.Errorf("%w: %s", ErrCommandNotSupported, command)
	}
	p := &pendingInvoke{
		invokeID:     uuid.NewString(),
		connectionID: connectionID,
		command:      command,
		result:       make(chan InvokeResult, 1),
	}
	r.pending[p.invokeID] = p
	sender := n.sender
	r.mu.Unlock()

	if err := sender.SendInvoke(p.invokeID, command, params); err != nil {
		r.removePending(p.invokeID)
		return InvokeResult{}, fmt.Errorf("send invoke: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		if res.Err != nil {
			return InvokeResult{}, res.Err
		}
		return res, nil
	case <-timer.C:
		r.removePending(p.invokeID)
		return InvokeResult{}, fmt.Errorf("%w after %s", ErrInvokeTimeout, timeout)
	case <-ctx.Done():
		r.removePending(p.invokeID)
		return InvokeResult{}, ctx.Err()
	}
}

// OnResponse resolves a pending invoke from a node's invoke_res frame.
// Responses from the wrong connection or with unknown ids are dropped.
func (r *Registry) OnResponse(connectionID, invokeID string, ok bool, payload json.RawMessage, errMsg string) {
	r.mu.Lock()
	p, found := r.pending[invokeID]
	if !found || p.connectionID != connectionID {
		r.mu.Unlock()
		return
	}
	delete(r.pending, invokeID)
	r.mu.Unlock()

	res := InvokeResult{OK: ok, Payload: payload}
	if !ok {
		msg := errMsg
		if msg == "" {
			msg = "node reported failure"
		}
		res.Err = errors.New(msg)
	}
	p.result <- res
}

func (r *Registry) removePending(invokeID string) {
	r.mu.Lock()
	delete(r.pending, invokeID)
	r.mu.Unlock()
}

// PendingCount reports in-flight invokes, for diagnostics.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
