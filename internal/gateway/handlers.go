package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/nodes"
	"github.com/latticehq/lattice/internal/reply"
	"github.com/latticehq/lattice/internal/sessions"
)

type connectParams struct {
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes,omitempty"`
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
	Auth        *authParams     `json:"auth,omitempty"`
	Caps        []string        `json:"caps,omitempty"`
	Commands    []string        `json:"commands,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

type authParams struct {
	Token string `json:"token"`
}

// handleConnect runs the handshake. Returns false when the connection must
// close.
func (c *conn) handleConnect(f *frame) bool {
	var params connectParams
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.sendError(f.ID, kindValidation, "invalid connect params")
			c.closePolicy("invalid connect params")
			return false
		}
	}

	minP, maxP := params.MinProtocol, params.MaxProtocol
	if minP <= 0 {
		minP = protocolVersion
	}
	if maxP <= 0 {
		maxP = protocolVersion
	}
	if protocolVersion < minP || protocolVersion > maxP {
		c.sendError(f.ID, kindValidation, "unsupported protocol version")
		c.closePolicy("unsupported protocol version")
		return false
	}

	token := ""
	if params.Auth != nil {
		token = params.Auth.Token
	}
	if !c.server.authorize(token) {
		c.sendError(f.ID, kindAuthFailed, "authentication failed")
		c.closePolicy("authentication failed")
		return false
	}

	role := params.Role
	if role == "" {
		role = roleOperator
	}
	if role != roleOperator && role != roleNode {
		c.sendError(f.ID, kindValidation, "unknown role")
		c.closePolicy("unknown role")
		return false
	}

	c.role = role
	c.scopes = params.Scopes
	c.connectedAt = time.Now()
	c.handshaken.Store(true)

	if role == roleNode {
		c.server.nodes.Register(nodes.Record{
			ConnectionID: c.id,
			Caps:         params.Caps,
			Commands:     params.Commands,
			Permissions:  params.Permissions,
			ConnectedAt:  c.connectedAt,
		}, c)
	}
	c.server.registerConn(c)

	c.sendResult(f.ID, map[string]any{
		"type":     "hello-ok",
		"protocol": protocolVersion,
		"server": map[string]any{
			"name":    c.server.cfg.ServerName,
			"version": c.server.cfg.ServerVersion,
		},
		"features": map[string]any{
			"agent":    true,
			"chat":     true,
			"sessions": true,
			"config":   true,
		},
		"snapshot": c.server.snapshot(),
		"policy": map[string]any{
			"tickIntervalMs": c.server.cfg.TickInterval.Milliseconds(),
		},
	})
	return true
}

func (c *conn) dispatch(f *frame) {
	switch parseMethod(f.Method) {
	case methodConnect:
		c.sendError(f.ID, kindValidation, "already connected")
	case methodHealth, methodStatus:
		c.sendResult(f.ID, c.server.snapshot())
	case methodChatHistory:
		c.handleChatHistory(f)
	case methodChatExport:
		c.handleChatExport(f)
	case methodChatReplace:
		c.handleChatReplace(f)
	case methodAgent:
		c.handleAgent(f)
	case methodAgentCancel:
		c.handleAgentCancel(f)
	case methodNodeList:
		c.sendResult(f.ID, map[string]any{"nodes": c.server.nodes.List()})
	case methodNodeInvoke:
		c.handleNodeInvoke(f)
	case methodSessionsList:
		c.handleSessionsList(f)
	case methodSessionsResolve:
		c.handleSessionsResolve(f)
	case methodSessionsPatch:
		c.handleSessionsPatch(f)
	case methodApprovalsGrant:
		c.handleApprovalsGrant(f)
	default:
		c.sendError(f.ID, kindUnsupported, "unknown method "+f.Method)
	}
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

func (c *conn) handleChatHistory(f *frame) {
	var params chatHistoryParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	key := c.server.sessions.Resolve(params.SessionKey)
	c.sendResult(f.ID, map[string]any{
		"sessionKey": key,
		"messages":   c.server.sessions.History(key, limit),
	})
}

func (c *conn) handleChatExport(f *frame) {
	var params chatHistoryParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	key := c.server.sessions.Resolve(params.SessionKey)
	c.sendResult(f.ID, map[string]any{
		"sessionKey": key,
		"messages":   c.server.sessions.History(key, 0),
	})
}

type chatReplaceParams struct {
	SessionKey string             `json:"sessionKey"`
	Messages   []sessions.Message `json:"messages"`
}

func (c *conn) handleChatReplace(f *frame) {
	var params chatReplaceParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	key := c.server.sessions.Resolve(params.SessionKey)
	c.server.sessions.Replace(key, params.Messages)
	c.sendResult(f.ID, map[string]any{"sessionKey": key, "count": len(params.Messages)})
}

type agentParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	Tier       string `json:"tier,omitempty"`
	ReadOnly   bool   `json:"readOnly,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

func (c *conn) handleAgent(f *frame) {
	if c.server.drain.Load() {
		c.sendError(f.ID, kindUnsupported, "server is draining")
		return
	}
	var params agentParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	if strings.TrimSpace(params.Message) == "" {
		c.sendError(f.ID, kindValidation, "message is required")
		return
	}

	key := c.server.sessions.Resolve(params.SessionKey)
	run, runCtx, ok := c.server.tryStartRun(key, c.id)
	if !ok {
		c.sendFailure(f.ID, map[string]any{"busy": true}, errorJSON(kindBusy, "a run is active for this session"))
		return
	}

	c.sendResult(f.ID, map[string]any{"runId": run.runID, "status": "accepted"})

	agentID := params.AgentID
	if agentID == "" {
		agentID = "main"
	}
	go func() {
		defer c.server.finishRun(run)
		sink := &runSink{conn: c, runID: run.runID}
		res := c.server.dispatcher.Reply(runCtx, reply.Request{
			RunID:      run.runID,
			SessionKey: key,
			AgentID:    agentID,
			Text:       params.Message,
			Tier:       agent.Tier(params.Tier),
			ReadOnly:   params.ReadOnly,
			Stream:     params.Stream,
		}, sink)

		payload := map[string]any{
			"runId":     run.runID,
			"status":    string(res.Status),
			"reply":     res.Reply,
			"modelUsed": res.ModelUsed,
			"usage": map[string]any{
				"inputTokens":  res.Usage.InputTokens,
				"outputTokens": res.Usage.OutputTokens,
			},
		}
		if res.Err != "" {
			payload["error"] = res.Err
		}
		if res.Warning != "" {
			payload["warning"] = res.Warning
		}
		c.sendEvent("agent", payload)
	}()
}

type agentCancelParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

func (c *conn) handleAgentCancel(f *frame) {
	var params agentCancelParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	if params.SessionKey != "" {
		params.SessionKey = c.server.sessions.Resolve(params.SessionKey)
	}
	cancelled := c.server.cancelRun(params.SessionKey, params.RunID)
	c.sendResult(f.ID, map[string]any{"cancelled": cancelled})
}

type nodeInvokeParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

func (c *conn) handleNodeInvoke(f *frame) {
	var params nodeInvokeParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	timeout := nodes.DefaultInvokeTimeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}

	// Off the read loop so this connection can still cancel or query while
	// the invoke is pending.
	go func() {
		result, err := c.server.nodes.Invoke(c.ctx, params.NodeID, params.Command, params.Params, timeout)
		if err != nil {
			c.sendError(f.ID, invokeErrorKind(err), err.Error())
			return
		}
		c.sendResult(f.ID, map[string]any{"result": result.Payload})
	}()
}

func invokeErrorKind(err error) string {
	switch {
	case errors.Is(err, nodes.ErrNodeNotFound):
		return kindNotFound
	case errors.Is(err, nodes.ErrCommandNotSupported):
		return kindUnsupported
	case errors.Is(err, nodes.ErrInvokeTimeout):
		return kindTimeout
	case errors.Is(err, nodes.ErrNodeDisconnected):
		return kindIO
	default:
		return kindInternal
	}
}

type sessionsListParams struct {
	Limit int `json:"limit,omitempty"`
}

func (c *conn) handleSessionsList(f *frame) {
	var params sessionsListParams
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.sendError(f.ID, kindValidation, "invalid params")
			return
		}
	}
	c.sendResult(f.ID, map[string]any{"sessions": c.server.sessions.List(params.Limit)})
}

type sessionsResolveParams struct {
	SessionKey string `json:"sessionKey"`
}

func (c *conn) handleSessionsResolve(f *frame) {
	var params sessionsResolveParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	c.sendResult(f.ID, map[string]any{"sessionKey": c.server.sessions.Resolve(params.SessionKey)})
}

type sessionsPatchParams struct {
	SessionKey string `json:"sessionKey"`
	Label      string `json:"label,omitempty"`
}

func (c *conn) handleSessionsPatch(f *frame) {
	var params sessionsPatchParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	key := c.server.sessions.Resolve(params.SessionKey)
	info := c.server.sessions.Patch(key, params.Label)
	c.sendResult(f.ID, map[string]any{"session": info})
}

type approvalsGrantParams struct {
	AgentID string `json:"agentId"`
	Command string `json:"command"`
	Always  bool   `json:"always,omitempty"`
}

// handleApprovalsGrant records an operator decision for a pending exec
// approval: a one-shot grant by default, or a persistent allowlist entry.
func (c *conn) handleApprovalsGrant(f *frame) {
	if c.server.approvals == nil {
		c.sendError(f.ID, kindUnsupported, "approvals not configured")
		return
	}
	var params approvalsGrantParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		c.sendError(f.ID, kindValidation, "invalid params")
		return
	}
	if strings.TrimSpace(params.Command) == "" {
		c.sendError(f.ID, kindValidation, "command is required")
		return
	}
	agentID := params.AgentID
	if agentID == "" {
		agentID = "main"
	}
	resolved := c.server.approvals.ResolveExecutable(params.Command)
	if params.Always {
		if err := c.server.approvals.Add(agentID, resolved); err != nil {
			c.sendError(f.ID, kindIO, err.Error())
			return
		}
	} else {
		c.server.approvals.GrantOnce(agentID, resolved)
	}
	c.sendResult(f.ID, map[string]any{"granted": resolved, "always": params.Always})
}

// runSink streams run output to the requesting connection.
type runSink struct {
	conn  *conn
	runID string
}

func (s *runSink) Chunk(text string) {
	s.conn.sendEvent("agent.chunk", map[string]any{"runId": s.runID, "delta": text})
}

func (s *runSink) Step(step agent.Step) {
	s.conn.sendEvent("agent.step", map[string]any{
		"runId": s.runID,
		"step": map[string]any{
			"type": "tool_call",
			"name": step.Call.Name,
			"args": step.Call.Input,
		},
	})
	payload := map[string]any{
		"type": "tool_result",
		"name": step.Call.Name,
	}
	if step.Result != nil {
		if step.Result.IsError {
			payload["error"] = step.Result.Content
		} else {
			payload["result"] = step.Result.Content
		}
	}
	s.conn.sendEvent("agent.step", map[string]any{"runId": s.runID, "step": payload})
}
