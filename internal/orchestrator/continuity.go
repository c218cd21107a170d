package orchestrator

import (
	"fmt"
	"strings"

	"tether/internal/storage"
)

const (
	// backfillLimit bounds how much history a reconstructed prompt carries.
	backfillLimit = 20

	compactCommand = "/compact"

	transcriptOpen  = "<conversation-history>"
	transcriptClose = "</conversation-history>"
)

// Continuation is the resolved continuity decision for one run: either a
// resume token the runtime replays natively, or a prompt rewritten to carry
// prior context inline. Never both.
type Continuation struct {
	Prompt      string
	ResumeToken string
}

// resolveContinuation decides how a new run reconnects to session history.
// A stored resume token wins; without one, recent history is folded into the
// prompt. A session with no history sends the message untouched, so a fresh
// session is indistinguishable from one that never needed continuity.
func (o *Orchestrator) resolveContinuation(sess *storage.Session, message string) (Continuation, error) {
	if sess.ResumeToken != "" {
		return Continuation{Prompt: message, ResumeToken: sess.ResumeToken}, nil
	}
	if strings.TrimSpace(message) == compactCommand {
		// Runtime-level command; rewriting it would break the runtime's
		// own handling.
		return Continuation{Prompt: message}, nil
	}

	messages, err := o.store.GetMessages(sess.ID, 0)
	if err != nil {
		return Continuation{}, fmt.Errorf("load history: %w", err)
	}

	transcript := buildTranscript(messages)
	if transcript == "" {
		return Continuation{Prompt: message}, nil
	}
	return Continuation{Prompt: transcript + "\n\n" + message}, nil
}

// buildTranscript renders the most recent conversational turns as a
// delimited block. Status rows and empty contents are skipped; at most
// backfillLimit turns survive, oldest first.
func buildTranscript(messages []*storage.Message) string {
	var turns []*storage.Message
	for _, m := range messages {
		if m.Role != storage.RoleUser && m.Role != storage.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) == 0 {
		return ""
	}
	if len(turns) > backfillLimit {
		turns = turns[len(turns)-backfillLimit:]
	}

	var sb strings.Builder
	sb.WriteString(transcriptOpen)
	sb.WriteString("\n")
	for _, m := range turns {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString(transcriptClose)
	return sb.String()
}
