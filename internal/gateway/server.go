// Package gateway serves the WebSocket control plane: operator and node
// connections, method dispatch, agent run lifecycle and event fan-out.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/latticehq/lattice/internal/approval"
	"github.com/latticehq/lattice/internal/audit"
	"github.com/latticehq/lattice/internal/nodes"
	"github.com/latticehq/lattice/internal/reply"
	"github.com/latticehq/lattice/internal/sessions"
)

// Config holds the gateway's runtime settings.
type Config struct {
	Bind         string
	Port         int
	AuthToken    string
	AuthMode     string
	TickInterval time.Duration
	Drain        bool

	ServerName    string
	ServerVersion string
	ConfigPath    string
	StateDir      string

	HeartbeatInterval time.Duration
}

var wsConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "lattice_ws_connections",
	Help: "Handshaken control-plane connections by role.",
}, []string{"role"})

// activeRun tracks the one run a session may have in flight.
type activeRun struct {
	runID       string
	sessionKey  string
	ownerConnID string
	cancel      context.CancelFunc
}

// Server multiplexes operators and nodes over one WebSocket endpoint.
type Server struct {
	cfg        Config
	sessions   *sessions.Store
	nodes      *nodes.Registry
	dispatcher *reply.Dispatcher
	approvals  *approval.Store
	auditLog   *audit.Logger
	logger     *slog.Logger

	startTime  time.Time
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu              sync.Mutex
	conns           map[string]*conn
	runs            map[string]*activeRun
	presenceVersion int64

	drain    atomic.Bool
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	cron     *cron.Cron
}

// NewServer creates the gateway.
func NewServer(cfg Config, store *sessions.Store, registry *nodes.Registry, dispatcher *reply.Dispatcher, approvals *approval.Store, auditLog *audit.Logger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "lattice"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		sessions:   store,
		nodes:      registry,
		dispatcher: dispatcher,
		approvals:  approvals,
		auditLog:   auditLog,
		logger:     logger.With("component", "gateway"),
		startTime:  time.Now(),
		baseCtx:    ctx,
		baseCancel: cancel,
		conns:      make(map[string]*conn),
		runs:       make(map[string]*activeRun),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.drain.Store(cfg.Drain)
	return s
}

// Handler returns the HTTP mux: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	go s.tickLoop()
	s.startHeartbeat()

	errc := make(chan error, 1)
	go func() {
		errc <- s.httpSrv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		s.Shutdown()
		return nil
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown stops the listener and cancels everything in flight.
func (s *Server) Shutdown() {
	s.baseCancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
}

// SetDrain toggles the drain flag; while set, agent requests are refused.
func (s *Server) SetDrain(v bool) {
	s.drain.Store(v)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &conn{
		server: s,
		ws:     ws,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
	}
	c.run()
}

// authorize checks the shared token. With no token configured every client
// is accepted (loopback deployments). Comparison is constant time over the
// hashed values so timing reveals nothing about a prefix match.
func (s *Server) authorize(presented string) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	want := sha256.Sum256([]byte(s.cfg.AuthToken))
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// registerConn admits a handshaken connection and fires presence.
func (s *Server) registerConn(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.presenceVersion++
	s.mu.Unlock()
	wsConnections.WithLabelValues(c.role).Inc()
	s.broadcastPresence()
}

// dropConn removes a connection, drops its node record and cancels runs it
// owns. Safe to call for connections that never completed the handshake.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	_, known := s.conns[c.id]
	delete(s.conns, c.id)
	var cancels []*activeRun
	for key, run := range s.runs {
		if run.ownerConnID == c.id {
			cancels = append(cancels, run)
			delete(s.runs, key)
		}
	}
	if known {
		s.presenceVersion++
	}
	s.mu.Unlock()

	if !known {
		return
	}
	wsConnections.WithLabelValues(c.role).Dec()
	if c.role == roleNode {
		s.nodes.Unregister(c.id)
	}
	for _, run := range cancels {
		run.cancel()
		s.logger.Info("run cancelled by disconnect", "run", run.runID, "session", run.sessionKey)
	}
	s.broadcastPresence()
}

// tryStartRun claims the session for a new run. The second return is false
// when the session is busy.
func (s *Server) tryStartRun(sessionKey, connID string) (*activeRun, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.runs[sessionKey]; busy {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &activeRun{
		runID:       uuid.NewString(),
		sessionKey:  sessionKey,
		ownerConnID: connID,
		cancel:      cancel,
	}
	s.runs[sessionKey] = run
	return run, ctx, true
}

// finishRun releases the session and emits agent.idle.
func (s *Server) finishRun(run *activeRun) {
	s.mu.Lock()
	if current, ok := s.runs[run.sessionKey]; ok && current.runID == run.runID {
		delete(s.runs, run.sessionKey)
	}
	s.mu.Unlock()
	run.cancel()
	s.broadcast("agent.idle", map[string]any{"sessionKey": run.sessionKey})
}

// cancelRun cancels the active run for a session or run id.
func (s *Server) cancelRun(sessionKey, runID string) bool {
	s.mu.Lock()
	var found *activeRun
	for key, run := range s.runs {
		if (sessionKey != "" && key == sessionKey) || (runID != "" && run.runID == runID) {
			found = run
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return false
	}
	found.cancel()
	return true
}

// broadcast sends an event to every handshaken operator connection.
func (s *Server) broadcast(event string, payload any) {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.role == roleOperator {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.sendEvent(event, payload)
	}
}

func (s *Server) broadcastPresence() {
	s.broadcast("presence", s.presencePayload())
}

type presenceEntry struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes,omitempty"`
	ConnectedAt int64    `json:"connectedAt"`
	Remote      string   `json:"remote,omitempty"`
}

func (s *Server) presencePayload() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]presenceEntry, 0, len(s.conns))
	for _, c := range s.conns {
		entries = append(entries, presenceEntry{
			ID:          c.id,
			Role:        c.role,
			Scopes:      c.scopes,
			ConnectedAt: c.connectedAt.UnixMilli(),
			Remote:      c.remote,
		})
	}
	return map[string]any{
		"connections": entries,
		"version":     s.presenceVersion,
	}
}

// Notify broadcasts an operator notification. Wired as the notify tool's
// delivery channel.
func (s *Server) Notify(title, body string) {
	s.broadcast("notify", map[string]any{"title": title, "body": body})
}

func (s *Server) tickLoop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case now := <-ticker.C:
			s.broadcast("tick", map[string]any{"time": now.UnixMilli()})
		}
	}
}

// startHeartbeat logs and broadcasts a periodic liveness summary.
func (s *Server) startHeartbeat() {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.HeartbeatInterval)
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		connCount := len(s.conns)
		runCount := len(s.runs)
		s.mu.Unlock()
		s.logger.Info("heartbeat", "connections", connCount, "active_runs", runCount, "pending_invokes", s.nodes.PendingCount())
		s.broadcast("heartbeat", map[string]any{
			"time":        time.Now().UnixMilli(),
			"connections": connCount,
			"activeRuns":  runCount,
		})
	})
	if err != nil {
		s.logger.Error("heartbeat schedule failed", "error", err)
		return
	}
	s.cron.Start()
}

func (s *Server) snapshot() map[string]any {
	presence := s.presencePayload()
	s.mu.Lock()
	runCount := len(s.runs)
	s.mu.Unlock()
	return map[string]any{
		"presence": presence["connections"],
		"health":   map[string]any{"ok": true},
		"stateVersion": map[string]any{
			"presence": presence["version"],
			"health":   1,
		},
		"uptimeMs":        time.Since(s.startTime).Milliseconds(),
		"configPath":      s.cfg.ConfigPath,
		"stateDir":        s.cfg.StateDir,
		"sessionDefaults": map[string]any{"key": "main"},
		"authMode":        s.authMode(),
		"activeRuns":      runCount,
	}
}

func (s *Server) authMode() string {
	if s.cfg.AuthToken == "" {
		return "none"
	}
	if s.cfg.AuthMode != "" {
		return s.cfg.AuthMode
	}
	return "token"
}
