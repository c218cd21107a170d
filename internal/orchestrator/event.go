package orchestrator

import (
	"encoding/json"

	"tether/internal/runtime"
	"tether/internal/storage"
)

// AgentEventType enumerates the closed set of domain events forwarded to the
// consumer during a run. Ordering within a run is the single source of truth
// for replay.
type AgentEventType string

const (
	// AgentEventTextDelta carries incremental assistant text.
	AgentEventTextDelta AgentEventType = "text_delta"
	// AgentEventToolUse indicates the agent started a tool invocation.
	AgentEventToolUse AgentEventType = "tool_use"
	// AgentEventToolResult carries a tool invocation outcome.
	AgentEventToolResult AgentEventType = "tool_result"
	// AgentEventPermissionRequest surfaces a pending tool-permission request.
	AgentEventPermissionRequest AgentEventType = "permission_request"
	// AgentEventAskUserRequest surfaces pending structured questions.
	AgentEventAskUserRequest AgentEventType = "ask_user_request"
	// AgentEventApprovalResolved tells the consumer a request left the queue.
	AgentEventApprovalResolved AgentEventType = "approval_resolved"
	// AgentEventError carries a terminal structured failure.
	AgentEventError AgentEventType = "typed_error"
	// AgentEventRejected reports a startRun refused by the concurrency guard.
	AgentEventRejected AgentEventType = "run_rejected"
	// AgentEventDone is the terminal success marker.
	AgentEventDone AgentEventType = "done"
	// AgentEventRaw wraps an unrecognized runtime event. Logged, never dropped.
	AgentEventRaw AgentEventType = "raw"
)

// AgentEvent is one domain event produced by the translator. Exactly the
// field matching Type is populated.
type AgentEvent struct {
	Type       AgentEventType        `json:"type"`
	Text       string                `json:"text,omitempty"`
	ToolUse    *runtime.ToolUse      `json:"tool_use,omitempty"`
	ToolResult *runtime.ToolResult   `json:"tool_result,omitempty"`
	Request    *PendingView          `json:"request,omitempty"`
	Error      *storage.MessageError `json:"error,omitempty"`
	Raw        json.RawMessage       `json:"raw,omitempty"`
}

// PendingView is the consumer-facing shape of one outstanding approval.
type PendingView struct {
	RequestID  string                     `json:"request_id"`
	SessionID  string                     `json:"session_id"`
	Permission *runtime.PermissionRequest `json:"permission,omitempty"`
	AskUser    *runtime.AskUserRequest    `json:"ask_user,omitempty"`
}

// Notifier is the push surface toward the consumer (UI layer). OnRunEnd
// carries the fully persisted transcript so the consumer need not re-fetch
// it. Implementations must not block the caller for long.
type Notifier interface {
	OnEvent(sessionID string, event AgentEvent)
	OnRunEnd(sessionID string, finalMessages []*storage.Message)
	OnTitle(sessionID, title string)
}

// NopNotifier discards all notifications. Test helper and default.
type NopNotifier struct{}

func (NopNotifier) OnEvent(string, AgentEvent)           {}
func (NopNotifier) OnRunEnd(string, []*storage.Message)  {}
func (NopNotifier) OnTitle(string, string)               {}
