package orchestrator

import (
	"encoding/json"
	"log/slog"
	"strings"

	"tether/internal/runtime"
)

// accumulator folds one run's ordered event stream into the state that
// becomes the persisted assistant message: coalesced text, the ordered
// non-text event list, and the terminal outcome. It is owned by a single
// run loop and needs no locking.
type accumulator struct {
	text   strings.Builder
	events []AgentEvent

	resumeToken string
	model       string
	typedError  *runtime.TypedError
	done        bool
}

// translate maps one runtime event to its domain event and records it. The
// returned event is forwarded to the consumer; forward=false means the event
// was absorbed as run state (token, model, terminal markers) with nothing to
// push beyond what the run loop emits itself.
func (a *accumulator) translate(sessionID string, ev runtime.Event) (AgentEvent, bool) {
	switch ev.Type {
	case runtime.EventTextDelta:
		a.text.WriteString(ev.Text)
		return AgentEvent{Type: AgentEventTextDelta, Text: ev.Text}, true

	case runtime.EventToolUseBegin:
		out := AgentEvent{Type: AgentEventToolUse, ToolUse: ev.ToolUse}
		a.events = append(a.events, out)
		return out, true

	case runtime.EventToolResult:
		out := AgentEvent{Type: AgentEventToolResult, ToolResult: ev.ToolResult}
		a.events = append(a.events, out)
		return out, true

	case runtime.EventResumeToken:
		a.resumeToken = ev.ResumeToken
		return AgentEvent{}, false

	case runtime.EventModelResolved:
		a.model = ev.Model
		return AgentEvent{}, false

	case runtime.EventDone:
		a.done = true
		return AgentEvent{}, false

	case runtime.EventTypedError:
		a.typedError = ev.TypedError
		return AgentEvent{}, false

	default:
		slog.Warn("unrecognized runtime event",
			"sessionID", sessionID, "type", ev.Type.String())
		out := AgentEvent{Type: AgentEventRaw, Raw: ev.Raw}
		a.events = append(a.events, out)
		return out, true
	}
}

// hasContent reports whether the run produced anything worth persisting as
// an assistant message.
func (a *accumulator) hasContent() bool {
	return a.text.Len() > 0 || len(a.events) > 0
}

// eventsJSON serializes the ordered non-text event list for storage. Nil
// when the run produced none.
func (a *accumulator) eventsJSON() json.RawMessage {
	if len(a.events) == 0 {
		return nil
	}
	raw, err := json.Marshal(a.events)
	if err != nil {
		slog.Error("marshal run events", "error", err)
		return nil
	}
	return raw
}
