package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/nodes"
	"github.com/latticehq/lattice/internal/reply"
	"github.com/latticehq/lattice/internal/safety"
	"github.com/latticehq/lattice/internal/sessions"
	"github.com/latticehq/lattice/internal/tools"
)

// blockingClient holds the model call open until released.
type blockingClient struct {
	release chan struct{}
	text    string
}

func (c *blockingClient) Name() string { return "test" }

func (c *blockingClient) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
			ch <- &agent.CompletionChunk{Err: ctx.Err()}
			return
		case <-c.release:
		}
		ch <- &agent.CompletionChunk{Text: c.text}
		ch <- &agent.CompletionChunk{Done: true}
	}()
	return ch, nil
}

type testEnv struct {
	server *Server
	store  *sessions.Store
	http   *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config, client agent.ModelClient) *testEnv {
	t.Helper()
	store := sessions.NewStore()
	registry := tools.NewRegistry(safety.NewGate(safety.Config{Enabled: false}), nil, nil, nil)
	engine := agent.NewEngine(registry, func(string) agent.ModelClient { return client }, agent.RoutingConfig{
		Action: agent.TierConfig{Model: "m", MaxTokens: 128},
	}, nil)
	dispatcher := reply.New(store, engine, nil, "assistant", nil)
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour
	}
	s := NewServer(cfg, store, nodes.NewRegistry(nil), dispatcher, nil, nil, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown()
	})
	return &testEnv{server: s, store: store, http: ts}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, f frame) {
	t.Helper()
	if err := ws.WriteJSON(f); err != nil {
		t.Fatal(err)
	}
}

// readUntil reads frames until match returns true, skipping everything else
// (presence, tick).
func readUntil(t *testing.T, ws *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = ws.SetReadDeadline(deadline)
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
		if time.Now().After(deadline) {
			t.Fatal("deadline waiting for frame")
		}
	}
}

func resFor(id string) func(frame) bool {
	return func(f frame) bool { return f.Type == "res" && f.ID == id }
}

func eventNamed(name string) func(frame) bool {
	return func(f frame) bool { return f.Type == "event" && f.Event == name }
}

func connect(t *testing.T, ws *websocket.Conn, role, token string) frame {
	t.Helper()
	params := map[string]any{"role": role, "minProtocol": 3, "maxProtocol": 3}
	if token != "" {
		params["auth"] = map[string]any{"token": token}
	}
	raw, _ := json.Marshal(params)
	send(t, ws, frame{Type: "req", ID: "c1", Method: "connect", Params: raw})
	return readUntil(t, ws, resFor("c1"))
}

func errKind(t *testing.T, f frame) string {
	t.Helper()
	var we wireError
	if err := json.Unmarshal(f.Error, &we); err != nil {
		t.Fatalf("error field = %s", f.Error)
	}
	return we.Kind
}

func TestHandshakeHelloOK(t *testing.T) {
	env := newTestEnv(t, Config{}, &blockingClient{release: make(chan struct{})})
	ws := env.dial(t)

	res := connect(t, ws, "operator", "")
	if res.OK == nil || !*res.OK {
		t.Fatalf("connect failed: %+v", res)
	}
	payload, _ := json.Marshal(res.Payload)
	var hello struct {
		Type     string `json:"type"`
		Protocol int    `json:"protocol"`
		Policy   struct {
			TickIntervalMs int64 `json:"tickIntervalMs"`
		} `json:"policy"`
	}
	if err := json.Unmarshal(payload, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.Type != "hello-ok" || hello.Protocol != 3 {
		t.Errorf("hello = %+v", hello)
	}
	if hello.Policy.TickIntervalMs == 0 {
		t.Error("missing tick interval")
	}

	send(t, ws, frame{Type: "req", ID: "h1", Method: "health"})
	res = readUntil(t, ws, resFor("h1"))
	if res.OK == nil || !*res.OK {
		t.Errorf("health = %+v", res)
	}
}

func TestFirstFrameMustBeConnect(t *testing.T) {
	env := newTestEnv(t, Config{}, &blockingClient{release: make(chan struct{})})
	ws := env.dial(t)

	send(t, ws, frame{Type: "req", ID: "x", Method: "health"})
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return
			}
			t.Fatalf("expected close 1008, got %v (%v)", err, closeErr)
		}
	}
}

func TestAuthFailure(t *testing.T) {
	env := newTestEnv(t, Config{AuthToken: "right"}, &blockingClient{release: make(chan struct{})})
	ws := env.dial(t)

	res := connect(t, ws, "operator", "wrong")
	if res.OK == nil || *res.OK {
		t.Fatalf("expected auth failure, got %+v", res)
	}
	if errKind(t, res) != "auth_failed" {
		t.Errorf("kind = %s", errKind(t, res))
	}
}

func TestAuthorize(t *testing.T) {
	s := &Server{cfg: Config{AuthToken: "secret"}}
	if !s.authorize("secret") {
		t.Error("matching token rejected")
	}
	if s.authorize("secre") || s.authorize("") || s.authorize("secretx") {
		t.Error("non-matching token accepted")
	}
	open := &Server{cfg: Config{}}
	if !open.authorize("") || !open.authorize("anything") {
		t.Error("tokenless server must accept all")
	}
}

func TestUnknownMethodKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, Config{}, &blockingClient{release: make(chan struct{})})
	ws := env.dial(t)
	connect(t, ws, "operator", "")

	send(t, ws, frame{Type: "req", ID: "u1", Method: "does.not.exist"})
	res := readUntil(t, ws, resFor("u1"))
	if res.OK == nil || *res.OK || errKind(t, res) != "unsupported" {
		t.Errorf("res = %+v", res)
	}

	send(t, ws, frame{Type: "req", ID: "h1", Method: "health"})
	res = readUntil(t, ws, resFor("h1"))
	if res.OK == nil || !*res.OK {
		t.Errorf("connection unusable after unknown method: %+v", res)
	}
}

func TestAgentBusyThenIdle(t *testing.T) {
	client := &blockingClient{release: make(chan struct{}), text: "done"}
	env := newTestEnv(t, Config{}, client)
	ws := env.dial(t)
	connect(t, ws, "operator", "")

	params, _ := json.Marshal(map[string]any{"message": "hi", "sessionKey": "main", "stream": true})
	send(t, ws, frame{Type: "req", ID: "r1", Method: "agent", Params: params})
	res := readUntil(t, ws, resFor("r1"))
	if res.OK == nil || !*res.OK {
		t.Fatalf("r1 = %+v", res)
	}

	send(t, ws, frame{Type: "req", ID: "r2", Method: "agent", Params: params})
	res = readUntil(t, ws, resFor("r2"))
	if res.OK == nil || *res.OK {
		t.Fatalf("r2 should be busy: %+v", res)
	}
	busyPayload, _ := json.Marshal(res.Payload)
	if !strings.Contains(string(busyPayload), `"busy":true`) {
		t.Errorf("busy payload = %s", busyPayload)
	}

	close(client.release)

	terminal := readUntil(t, ws, eventNamed("agent"))
	terminalPayload, _ := json.Marshal(terminal.Payload)
	if !strings.Contains(string(terminalPayload), `"status":"completed"`) {
		t.Errorf("terminal = %s", terminalPayload)
	}
	readUntil(t, ws, eventNamed("agent.idle"))

	history := env.store.History("main", 0)
	if len(history) != 2 || history[1].Content != "done" {
		t.Errorf("history = %+v", history)
	}
}

func TestEventSeqMonotonic(t *testing.T) {
	client := &blockingClient{release: make(chan struct{}), text: "ok"}
	close(client.release)
	env := newTestEnv(t, Config{}, client)
	ws := env.dial(t)
	connect(t, ws, "operator", "")

	params, _ := json.Marshal(map[string]any{"message": "hi", "sessionKey": "main"})
	send(t, ws, frame{Type: "req", ID: "r1", Method: "agent", Params: params})
	readUntil(t, ws, resFor("r1"))

	var last int64
	for i := 0; i < 2; i++ {
		f := readUntil(t, ws, func(f frame) bool { return f.Type == "event" })
		if f.Seq == nil {
			t.Fatalf("event without seq: %+v", f)
		}
		if *f.Seq <= last {
			t.Errorf("seq not increasing: %d after %d", *f.Seq, last)
		}
		last = *f.Seq
	}
}

func TestChatReplaceAndHistory(t *testing.T) {
	env := newTestEnv(t, Config{}, &blockingClient{release: make(chan struct{})})
	ws := env.dial(t)
	connect(t, ws, "operator", "")

	params, _ := json.Marshal(map[string]any{
		"sessionKey": "tui",
		"messages": []map[string]any{
			{"role": "user", "content": "one"},
			{"role": "assistant", "content": "two"},
		},
	})
	send(t, ws, frame{Type: "req", ID: "p1", Method: "chat.replace", Params: params})
	readUntil(t, ws, resFor("p1"))

	histParams, _ := json.Marshal(map[string]any{"sessionKey": "tui", "limit": 10})
	send(t, ws, frame{Type: "req", ID: "p2", Method: "chat.history", Params: histParams})
	res := readUntil(t, ws, resFor("p2"))
	payload, _ := json.Marshal(res.Payload)
	if !strings.Contains(string(payload), "one") || !strings.Contains(string(payload), "two") {
		t.Errorf("history = %s", payload)
	}
}

func TestNodeInvokeRoundTrip(t *testing.T) {
	env := newTestEnv(t, Config{}, &blockingClient{release: make(chan struct{})})

	nodeWS := env.dial(t)
	params := map[string]any{"role": "node", "commands": []string{"system.run"}}
	raw, _ := json.Marshal(params)
	send(t, nodeWS, frame{Type: "req", ID: "c1", Method: "connect", Params: raw})
	readUntil(t, nodeWS, resFor("c1"))

	// The node answers the first invoke it sees.
	go func() {
		_ = nodeWS.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var f frame
			if err := nodeWS.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == "invoke" {
				ok := true
				_ = nodeWS.WriteJSON(frame{
					Type:   "invoke_res",
					ID:     f.ID,
					OK:     &ok,
					Result: json.RawMessage(`{"output":"ran"}`),
				})
				return
			}
		}
	}()

	nodeID := env.server.nodes.List()[0].ConnectionID

	opWS := env.dial(t)
	connect(t, opWS, "operator", "")
	invokeParams, _ := json.Marshal(map[string]any{"nodeId": nodeID, "command": "system.run", "params": map[string]any{"cmd": "ls"}})
	send(t, opWS, frame{Type: "req", ID: "i1", Method: "node.invoke", Params: invokeParams})
	res := readUntil(t, opWS, resFor("i1"))
	if res.OK == nil || !*res.OK {
		t.Fatalf("invoke = %+v", res)
	}
	payload, _ := json.Marshal(res.Payload)
	if !strings.Contains(string(payload), "ran") {
		t.Errorf("payload = %s", payload)
	}
}

func TestNodeDisconnectFailsInvoke(t *testing.T) {
	env := newTestEnv(t, Config{}, &blockingClient{release: make(chan struct{})})

	nodeWS := env.dial(t)
	raw, _ := json.Marshal(map[string]any{"role": "node", "commands": []string{"slow.op"}})
	send(t, nodeWS, frame{Type: "req", ID: "c1", Method: "connect", Params: raw})
	readUntil(t, nodeWS, resFor("c1"))
	nodeID := env.server.nodes.List()[0].ConnectionID

	opWS := env.dial(t)
	connect(t, opWS, "operator", "")
	invokeParams, _ := json.Marshal(map[string]any{"nodeId": nodeID, "command": "slow.op"})
	send(t, opWS, frame{Type: "req", ID: "i1", Method: "node.invoke", Params: invokeParams})

	time.Sleep(100 * time.Millisecond)
	_ = nodeWS.Close()

	res := readUntil(t, opWS, resFor("i1"))
	if res.OK == nil || *res.OK {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(string(res.Error), "node_disconnected") {
		t.Errorf("error = %s", res.Error)
	}
}

func TestDrainRefusesAgent(t *testing.T) {
	env := newTestEnv(t, Config{}, &blockingClient{release: make(chan struct{})})
	env.server.SetDrain(true)
	ws := env.dial(t)
	connect(t, ws, "operator", "")

	params, _ := json.Marshal(map[string]any{"message": "hi"})
	send(t, ws, frame{Type: "req", ID: "r1", Method: "agent", Params: params})
	res := readUntil(t, ws, resFor("r1"))
	if res.OK == nil || *res.OK || errKind(t, res) != "unsupported" {
		t.Errorf("res = %+v", res)
	}
}

func TestParseMethod(t *testing.T) {
	known := map[string]methodKind{
		"connect":         methodConnect,
		"health":          methodHealth,
		"status":          methodStatus,
		"chat.history":    methodChatHistory,
		"chat.export":     methodChatExport,
		"chat.replace":    methodChatReplace,
		"agent":           methodAgent,
		"agent.cancel":    methodAgentCancel,
		"node.list":       methodNodeList,
		"node.invoke":     methodNodeInvoke,
		"sessions.list":   methodSessionsList,
		"sessions.resolve": methodSessionsResolve,
		"sessions.patch":  methodSessionsPatch,
		"approvals.grant": methodApprovalsGrant,
	}
	for name, want := range known {
		if got := parseMethod(name); got != want {
			t.Errorf("parseMethod(%q) = %d, want %d", name, got, want)
		}
	}
	if parseMethod("nope") != methodUnknown {
		t.Error("unknown method should parse to methodUnknown")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"plain failure"`, "plain failure"},
		{`{"kind":"io","message":"disk full"}`, "disk full"},
		{``, ""},
	}
	for _, tt := range tests {
		if got := errorString(json.RawMessage(tt.in)); got != tt.want {
			t.Errorf("errorString(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
