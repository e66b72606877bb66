// Package wsgateway serves the operator-facing WebSocket protocol: an
// optional auth handshake, command submission through the
// multiplexer with echo/blank-line stripping, a couple of commands
// synthesized or sanitized locally, and a per-connection subscription
// to the broadcast bus for unsolicited events.
package wsgateway

import "encoding/json"

// clientAuth is the one-time `{auth_key:"..."}` handshake frame.
type clientAuth struct {
	AuthKey string `json:"auth_key"`
}

// clientCommand is a `{command:"..."}` frame. A client may also send a
// raw, non-JSON string, which is treated as the command verbatim.
type clientCommand struct {
	Command string `json:"command"`
}

// commandReply is the `{success, data?, error?}` frame sent back for
// every submitted command.
type commandReply struct {
	Success bool    `json:"success"`
	Data    *string `json:"data,omitempty"`
	Error   *string `json:"error,omitempty"`
}

func successReply(body string) commandReply {
	return commandReply{Success: true, Data: &body}
}

func errorReply(msg string) commandReply {
	return commandReply{Success: false, Error: &msg}
}

// authReject is sent when the handshake fails or times out.
type authReject struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

const (
	controlPing          = "ping"
	controlPong          = "pong"
	controlGetSysLogs    = "GET_SYS_LOGS"
	controlClearSysLogs  = "CLEAR_SYS_LOGS"
	commandConnectStatus = "AT+CONNECT?"
)

// parseClientMessage extracts the command text a client sent, whether
// it arrived as `{command:"..."}` JSON or a raw string.
func parseClientMessage(text string) string {
	var cmd clientCommand
	if err := json.Unmarshal([]byte(text), &cmd); err == nil && cmd.Command != "" {
		return cmd.Command
	}
	return text
}

// parseAuthFrame attempts to extract an auth key from text. ok is
// false if text is not a valid auth JSON frame.
func parseAuthFrame(text string) (key string, ok bool) {
	var auth clientAuth
	if err := json.Unmarshal([]byte(text), &auth); err != nil || auth.AuthKey == "" {
		return "", false
	}
	return auth.AuthKey, true
}
