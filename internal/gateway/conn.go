package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	pongWait        = 90 * time.Second
)

// Role of a handshaken connection.
const (
	roleOperator = "operator"
	roleNode     = "node"
)

// conn is one control socket. Inbound frames are processed in order on the
// read loop; outbound frames go through the buffered send channel so slow
// clients never block a broadcast.
type conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id          string
	role        string
	scopes      []string
	connectedAt time.Time
	remote      string

	handshaken atomic.Bool
	seq        atomic.Int64
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) close() {
	c.cancel()
	_ = c.ws.Close()
	c.server.dropConn(c)
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			if !c.handshaken.Load() {
				c.closePolicy("invalid frame")
				return
			}
			c.sendError("", kindValidation, "invalid frame")
			continue
		}
		if f.Type == "" {
			f.Type = "req"
		}

		if !c.handshaken.Load() {
			if f.Type != "req" || parseMethod(f.Method) != methodConnect {
				c.closePolicy("first frame must be connect")
				return
			}
			if !c.handleConnect(&f) {
				return
			}
			continue
		}

		switch f.Type {
		case "req":
			c.dispatch(&f)
		case "invoke_res":
			if c.role == roleNode {
				ok := f.OK != nil && *f.OK
				c.server.nodes.OnResponse(c.id, f.ID, ok, f.Result, errorString(f.Error))
			}
		default:
			c.sendError(f.ID, kindValidation, fmt.Sprintf("unexpected frame type %q", f.Type))
		}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// closePolicy rejects the connection with close code 1008.
func (c *conn) closePolicy(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (c *conn) enqueue(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.server.logger.Error("frame encode failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("send buffer full, dropping frame", "conn", c.id, "type", f.Type)
	}
}

func (c *conn) sendResult(id string, payload any) {
	ok := true
	c.enqueue(frame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (c *conn) sendFailure(id string, payload any, errJSON json.RawMessage) {
	ok := false
	c.enqueue(frame{Type: "res", ID: id, OK: &ok, Payload: payload, Error: errJSON})
}

func (c *conn) sendError(id, kind, message string) {
	c.sendFailure(id, nil, errorJSON(kind, message))
}

// sendEvent assigns this connection's next sequence number.
func (c *conn) sendEvent(event string, payload any) {
	seq := c.seq.Add(1)
	c.enqueue(frame{Type: "event", Event: event, Payload: payload, Seq: &seq})
}

// SendInvoke delivers an invoke frame to a node connection.
func (c *conn) SendInvoke(invokeID, command string, params json.RawMessage) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("connection closed")
	}
	data, err := json.Marshal(frame{Type: "invoke", ID: invokeID, Command: command, Params: params})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}
