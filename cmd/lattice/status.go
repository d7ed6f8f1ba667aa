package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type statusFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func buildStatusCmd(configPath *string) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if token == "" {
				token = cfg.Gateway.Auth.Token
			}
			url := fmt.Sprintf("ws://%s:%d/ws", cfg.Gateway.Bind, cfg.Gateway.Port)
			return runStatus(url, token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "auth token (defaults to the configured one)")
	return cmd
}

func runStatus(url, token string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	connect := statusFrame{
		Type:   "req",
		ID:     "status-1",
		Method: "connect",
		Params: map[string]any{
			"role":        "operator",
			"minProtocol": 3,
			"maxProtocol": 3,
			"auth":        map[string]any{"token": token},
		},
	}
	if err := ws.WriteJSON(connect); err != nil {
		return err
	}
	hello, err := awaitResponse(ws, "status-1")
	if err != nil {
		return err
	}

	health := statusFrame{Type: "req", ID: "status-2", Method: "health"}
	if err := ws.WriteJSON(health); err != nil {
		return err
	}
	snap, err := awaitResponse(ws, "status-2")
	if err != nil {
		return err
	}

	out := map[string]json.RawMessage{
		"hello":  hello,
		"health": snap,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// awaitResponse reads frames until the response with the given id arrives,
// skipping interleaved events.
func awaitResponse(ws *websocket.Conn, id string) (json.RawMessage, error) {
	for {
		var f statusFrame
		if err := ws.ReadJSON(&f); err != nil {
			return nil, err
		}
		if f.Type != "res" || f.ID != id {
			continue
		}
		if f.OK == nil || !*f.OK {
			return nil, fmt.Errorf("gateway refused %s: %s", id, string(f.Error))
		}
		return f.Payload, nil
	}
}
