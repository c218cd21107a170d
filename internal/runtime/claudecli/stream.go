package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"tether/internal/classify"
	"tether/internal/runtime"
)

// streamLine is the envelope of one stdout line in stream-json mode.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// contentBlock is one element of an assistant or user message's content.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// controlRequest is the payload of a control_request line.
type controlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Questions []struct {
		Question    string   `json:"question"`
		Options     []string `json:"options,omitempty"`
		MultiSelect bool     `json:"multi_select,omitempty"`
	} `json:"questions,omitempty"`
}

// readStream consumes stdout lines until the terminal result line or EOF,
// translating them into adapter events. Permission control requests block
// their own goroutine on the orchestrator callback while the stream keeps
// flowing.
func readStream(ctx context.Context, sessionID string, r io.Reader, w *controlWriter, cb runtime.Callbacks, events chan<- runtime.Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			slog.Warn("malformed stream line", "sessionID", sessionID, "error", err)
			events <- runtime.Event{Type: runtime.EventUnknown, Raw: append(json.RawMessage(nil), raw...)}
			continue
		}

		switch line.Type {
		case "system":
			if line.Subtype == "init" {
				if line.SessionID != "" {
					events <- runtime.Event{Type: runtime.EventResumeToken, ResumeToken: line.SessionID}
					if cb.OnResumeToken != nil {
						cb.OnResumeToken(line.SessionID)
					}
				}
				if line.Model != "" {
					events <- runtime.Event{Type: runtime.EventModelResolved, Model: line.Model}
					if cb.OnModelResolved != nil {
						cb.OnModelResolved(line.Model)
					}
				}
			}

		case "assistant", "user":
			emitMessageEvents(line.Message, events)

		case "control_request":
			go handleControlRequest(ctx, line, w, cb)

		case "result":
			if line.IsError {
				events <- runtime.NewTypedError(resultError(line))
			} else {
				events <- runtime.NewDone()
			}
			return

		default:
			events <- runtime.Event{Type: runtime.EventUnknown, Raw: append(json.RawMessage(nil), raw...)}
		}
	}
}

// emitMessageEvents unpacks the content blocks of one wire message.
func emitMessageEvents(raw json.RawMessage, events chan<- runtime.Event) {
	if len(raw) == 0 {
		return
	}
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events <- runtime.NewTextDelta(block.Text)
			}
		case "tool_use":
			events <- runtime.Event{Type: runtime.EventToolUseBegin, ToolUse: &runtime.ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			}}
		case "tool_result":
			events <- runtime.Event{Type: runtime.EventToolResult, ToolResult: &runtime.ToolResult{
				ToolUseID: block.ToolUseID,
				Content:   flattenToolContent(block.Content),
				IsError:   block.IsError,
			}}
		}
	}
}

// handleControlRequest answers one permission or question request. Runs on
// its own goroutine because the orchestrator callback blocks until a human
// decides.
func handleControlRequest(ctx context.Context, line streamLine, w *controlWriter, cb runtime.Callbacks) {
	var req controlRequest
	if err := json.Unmarshal(line.Request, &req); err != nil {
		slog.Warn("malformed control request", "requestID", line.RequestID, "error", err)
		return
	}

	switch req.Subtype {
	case "can_use_tool":
		if cb.RequestPermission == nil {
			return
		}
		decision, err := cb.RequestPermission(ctx, &runtime.PermissionRequest{
			ToolName: req.ToolName,
			Command:  commandFromInput(req.Input),
			Input:    req.Input,
		})
		if err != nil || decision == nil {
			decision = &runtime.PermissionDecision{Behavior: runtime.PermissionDeny, Message: "aborted"}
		}
		w.sendControlResponse(line.RequestID, map[string]any{
			"behavior": string(decision.Behavior),
			"message":  decision.Message,
		})

	case "ask_user":
		if cb.AskUser == nil {
			return
		}
		ask := &runtime.AskUserRequest{}
		for _, q := range req.Questions {
			ask.Questions = append(ask.Questions, runtime.Question{
				Label:       q.Question,
				Options:     q.Options,
				MultiSelect: q.MultiSelect,
			})
		}
		answers, err := cb.AskUser(ctx, ask)
		if err != nil || answers == nil {
			w.sendControlResponse(line.RequestID, map[string]any{"cancelled": true})
			return
		}
		w.sendControlResponse(line.RequestID, map[string]any{"answers": answers.Answers})

	default:
		slog.Warn("unsupported control request", "subtype", req.Subtype)
	}
}

// resultError shapes an error result line into a typed error. The result
// text is frequently a status-code message; classifying it here gives the
// typed error a code, which drives resume-token retention downstream.
func resultError(line streamLine) *runtime.TypedError {
	te := &runtime.TypedError{
		Title:   "Run failed",
		Message: line.Result,
	}
	if result := classify.Classify(line.Result); result.Classified {
		te.Code = strconv.Itoa(result.Code)
		te.Message = result.Message
	}
	return te
}

// commandFromInput pulls the shell command out of a tool input, if present.
func commandFromInput(input json.RawMessage) string {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	return in.Command
}

// flattenToolContent renders tool result content, which may arrive as a
// plain string or as a block list, into display text.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
