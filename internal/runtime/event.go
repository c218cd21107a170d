package runtime

import "encoding/json"

// EventType enumerates the closed set of events an adapter may produce.
type EventType int

const (
	// EventTextDelta carries incremental assistant text.
	EventTextDelta EventType = iota
	// EventToolUseBegin indicates the agent started a tool invocation.
	EventToolUseBegin
	// EventToolResult carries the outcome of a tool invocation.
	EventToolResult
	// EventResumeToken reports the runtime's resumption token for this run.
	EventResumeToken
	// EventModelResolved reports the concrete model the runtime selected.
	EventModelResolved
	// EventDone is the terminal success marker.
	EventDone
	// EventTypedError is the terminal structured-failure marker.
	EventTypedError
	// EventUnknown wraps a runtime event the adapter could not map. It is
	// surfaced (never silently dropped) so the translator can log it.
	EventUnknown
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventToolUseBegin:
		return "tool_use_begin"
	case EventToolResult:
		return "tool_result"
	case EventResumeToken:
		return "resume_token"
	case EventModelResolved:
		return "model_resolved"
	case EventDone:
		return "done"
	case EventTypedError:
		return "typed_error"
	default:
		return "unknown"
	}
}

// Event is one element of the ordered, single-consumer stream produced by an
// adapter. Exactly the field matching Type is populated.
type Event struct {
	Type        EventType       `json:"type"`
	Text        string          `json:"text,omitempty"`
	ToolUse     *ToolUse        `json:"tool_use,omitempty"`
	ToolResult  *ToolResult     `json:"tool_result,omitempty"`
	ResumeToken string          `json:"resume_token,omitempty"`
	Model       string          `json:"model,omitempty"`
	TypedError  *TypedError     `json:"typed_error,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// ToolUse describes a tool invocation the agent started.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult describes the outcome of a tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TypedError is a structured failure reported directly by the runtime, as
// opposed to one inferred from raw diagnostic text.
type TypedError struct {
	Code      string   `json:"code"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	Retryable bool     `json:"retryable"`
	Actions   []string `json:"actions,omitempty"`
}

// NewTextDelta creates a text delta event.
func NewTextDelta(text string) Event {
	return Event{Type: EventTextDelta, Text: text}
}

// NewDone creates the terminal success event.
func NewDone() Event {
	return Event{Type: EventDone}
}

// NewTypedError creates the terminal typed-error event.
func NewTypedError(te *TypedError) Event {
	return Event{Type: EventTypedError, TypedError: te}
}
