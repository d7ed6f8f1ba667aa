package gateway

import "encoding/json"

// Protocol version spoken on the control socket. Clients advertise a
// min/max range in connect; anything that cannot meet this version is
// rejected.
const protocolVersion = 3

// Error kinds surfaced on the wire.
const (
	kindAuthFailed       = "auth_failed"
	kindValidation       = "validation"
	kindUnsupported      = "unsupported"
	kindPermissionDenied = "permission_denied"
	kindNotFound         = "not_found"
	kindTimeout          = "timeout"
	kindBusy             = "busy"
	kindIO               = "io"
	kindInternal         = "internal"
)

// frame is the single envelope for every message on the socket.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
	Command string          `json:"command,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorJSON(kind, message string) json.RawMessage {
	data, err := json.Marshal(wireError{Kind: kind, Message: message})
	if err != nil {
		return json.RawMessage(`{"kind":"internal","message":"error encoding failed"}`)
	}
	return data
}

// errorString pulls a comparable message out of an invoke_res error, which
// may arrive as either a bare string or a {kind,message} object.
func errorString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && we.Message != "" {
		return we.Message
	}
	return string(raw)
}
