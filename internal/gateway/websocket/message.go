// Package websocket provides the push hub toward connected UI clients.
package websocket

import "encoding/json"

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`

	// Approval response fields (client to server).
	RequestID   string            `json:"request_id,omitempty"`
	Behavior    string            `json:"behavior,omitempty"`
	AlwaysAllow bool              `json:"always_allow,omitempty"`
	Answers     map[string]string `json:"answers,omitempty"`

	// Run end and title payloads (server to client).
	Messages json.RawMessage `json:"messages,omitempty"`
	Title    string          `json:"title,omitempty"`
}

// BroadcastMessage wraps a frame with its target session. An empty session
// targets every client.
type BroadcastMessage struct {
	Session string
	Data    []byte
}

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"

	// Server to client.
	TypeAgentEvent   = "agent_event"
	TypeRunEnd       = "run_end"
	TypeSessionTitle = "session_title"
	TypeConfigReload = "config_reload"

	// Client to server.
	TypePermissionResponse = "permission_response"
	TypeAskUserResponse    = "ask_user_response"
)
