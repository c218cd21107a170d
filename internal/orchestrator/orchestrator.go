// Package orchestrator owns the lifecycle of agent runs: admission through
// the per-session concurrency guard, execution-context assembly, the single
// pass over the runtime event stream, approval correlation, and the
// persistence decisions taken when a run ends.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"tether/internal/classify"
	"tether/internal/execenv"
	"tether/internal/provider"
	"tether/internal/runtime"
	"tether/internal/storage"
)

// diagnosticLimit caps the buffered raw diagnostic output per run.
const diagnosticLimit = 64 * 1024

// run is the orchestrator's handle on one active execution.
type run struct {
	sessionID string
	cancel    context.CancelFunc

	mu      sync.Mutex
	aborted bool
	// releasedEarly is set when StopRun already freed the guard slot. The
	// finalizer must not release again, or it would free a successor
	// run's slot.
	releasedEarly bool
	diag          strings.Builder
	cbToken       string
	cbModel       string
}

func (r *run) markAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return false
	}
	r.aborted = true
	r.releasedEarly = true
	return true
}

func (r *run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *run) appendDiag(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.diag.Len() < diagnosticLimit {
		r.diag.WriteString(chunk)
	}
}

// Orchestrator coordinates sessions, the runtime adapter, and persistence.
type Orchestrator struct {
	store     *storage.DB
	builder   *execenv.Builder
	adapter   runtime.Adapter
	guard     *Guard
	approvals *Approvals
	notifier  Notifier

	titleProvider provider.Provider
	titleModel    string

	permissionMode string

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an orchestrator. permissionMode is one of "ask", "allow-safe"
// or "deny-all"; notifier may be NopNotifier.
func New(store *storage.DB, builder *execenv.Builder, adapter runtime.Adapter, notifier Notifier, permissionMode string) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		builder:        builder,
		adapter:        adapter,
		guard:          NewGuard(),
		approvals:      NewApprovals(),
		notifier:       notifier,
		permissionMode: permissionMode,
		runs:           make(map[string]*run),
	}
	o.approvals.SetHooks(o.onPendingApproval, o.onApprovalResolved)
	return o
}

// SetTitleProvider enables background title generation for sessions that
// still carry the default title after their first exchange.
func (o *Orchestrator) SetTitleProvider(p provider.Provider, model string) {
	o.titleProvider = p
	o.titleModel = model
}

// StartRun admits one user message for execution. It persists the user
// message, launches the runtime, and returns once the run is underway; the
// event stream is consumed in the background. A session with an active run
// rejects the request without persisting anything.
func (o *Orchestrator) StartRun(ctx context.Context, sessionID, message string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if !o.guard.TryAcquire(sessionID) {
		o.notifier.OnEvent(sessionID, AgentEvent{Type: AgentEventRejected})
		return ErrSessionBusy
	}

	ec, err := o.builder.Build(sessionID, sess.ChannelID, sess.Model, sess.WorkspaceID)
	if err != nil {
		o.guard.Release(sessionID)
		o.failBeforeLaunch(sessionID, startFailureKind(err), err)
		return err
	}

	cont, err := o.resolveContinuation(sess, message)
	if err != nil {
		o.guard.Release(sessionID)
		o.failBeforeLaunch(sessionID, FailureUnclassified, err)
		return err
	}
	ec.Prompt = cont.Prompt
	ec.ResumeToken = cont.ResumeToken

	// The transcript records what the user typed, never the rewritten
	// prompt.
	if _, err := o.store.AppendMessage(&storage.Message{
		SessionID: sessionID,
		Role:      storage.RoleUser,
		Content:   message,
	}); err != nil {
		o.guard.Release(sessionID)
		return fmt.Errorf("persist user message: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{sessionID: sessionID, cancel: cancel}

	events, err := o.adapter.Query(runCtx, ec, o.callbacks(runCtx, r))
	if err != nil {
		cancel()
		o.guard.Release(sessionID)
		o.failBeforeLaunch(sessionID, FailureRuntimeLaunch, err)
		return fmt.Errorf("launch runtime: %w", err)
	}

	o.mu.Lock()
	o.runs[sessionID] = r
	o.mu.Unlock()

	o.wg.Add(1)
	go o.consume(r, sess, message, events)

	slog.Info("run started", "sessionID", sessionID, "channelID", sess.ChannelID, "resume", cont.ResumeToken != "")
	return nil
}

// StopRun aborts the session's active run. The guard slot frees immediately
// so a follow-up StartRun need not wait for runtime teardown, and every
// pending approval of the session resolves as cancelled.
func (o *Orchestrator) StopRun(sessionID string) {
	o.mu.Lock()
	r := o.runs[sessionID]
	o.mu.Unlock()
	if r == nil || !r.markAborted() {
		return
	}

	o.guard.Release(sessionID)
	o.approvals.CancelSession(sessionID)
	r.cancel()
	o.adapter.Abort(sessionID)
	slog.Info("run aborted", "sessionID", sessionID)
}

// StopAll aborts every active run.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	sessions := make([]string, 0, len(o.runs))
	for id := range o.runs {
		sessions = append(sessions, id)
	}
	o.mu.Unlock()
	for _, id := range sessions {
		o.StopRun(id)
	}
}

// Shutdown stops all runs, waits for their loops to drain, and disposes the
// adapter.
func (o *Orchestrator) Shutdown() {
	o.StopAll()
	o.wg.Wait()
	o.adapter.Dispose()
	o.approvals.CancelAll()
}

// RespondPermission resolves a pending permission request.
func (o *Orchestrator) RespondPermission(requestID string, behavior runtime.PermissionBehavior, alwaysAllow bool, message string) error {
	return o.approvals.ResolvePermission(requestID, behavior, alwaysAllow, message)
}

// RespondAskUser resolves a pending question request.
func (o *Orchestrator) RespondAskUser(requestID string, answers map[string]string) error {
	return o.approvals.ResolveAskUser(requestID, answers)
}

// PendingApprovals lists the session's outstanding requests, oldest first.
func (o *Orchestrator) PendingApprovals(sessionID string) []*PendingView {
	return o.approvals.Pending(sessionID)
}

// IsRunning reports whether the session has an active run.
func (o *Orchestrator) IsRunning(sessionID string) bool {
	return o.guard.IsActive(sessionID)
}

// DeleteSession aborts any active run, then removes the session, its
// transcript, and its remembered approvals.
func (o *Orchestrator) DeleteSession(sessionID string) error {
	o.StopRun(sessionID)
	o.approvals.ForgetSession(sessionID)
	return o.store.DeleteSession(sessionID)
}

// consume is the single pass over one run's event stream.
func (o *Orchestrator) consume(r *run, sess *storage.Session, userMessage string, events <-chan runtime.Event) {
	defer o.wg.Done()

	acc := &accumulator{}
	for ev := range events {
		out, forward := acc.translate(r.sessionID, ev)
		if forward {
			o.notifier.OnEvent(r.sessionID, out)
		}
		// A typed error is terminal. Whatever the stream still holds is
		// neither translated nor forwarded.
		if acc.typedError != nil {
			break
		}
	}

	o.finalize(r, sess, userMessage, acc)
}

// finalize applies the persistence rules for the run's outcome and tears the
// run down.
func (o *Orchestrator) finalize(r *run, sess *storage.Session, userMessage string, acc *accumulator) {
	sessionID := r.sessionID

	r.mu.Lock()
	aborted := r.aborted
	releasedEarly := r.releasedEarly
	diag := r.diag.String()
	if acc.resumeToken == "" {
		acc.resumeToken = r.cbToken
	}
	if acc.model == "" {
		acc.model = r.cbModel
	}
	r.mu.Unlock()

	// Partial output survives aborts; an empty run leaves no assistant row.
	if acc.hasContent() {
		if _, err := o.store.AppendMessage(&storage.Message{
			SessionID: sessionID,
			Role:      storage.RoleAssistant,
			Content:   acc.text.String(),
			Model:     acc.model,
			Events:    acc.eventsJSON(),
		}); err != nil {
			slog.Error("persist assistant message", "sessionID", sessionID, "error", err)
		}
	}

	keepToken := true
	switch {
	case aborted:
		// No status message. The human already knows they stopped it.

	case acc.typedError != nil:
		keepToken = keepTokenForCode(acc.typedError.Code)
		o.appendStatus(sessionID, &storage.MessageError{
			Code:      acc.typedError.Code,
			Title:     acc.typedError.Title,
			Details:   acc.typedError.Message,
			Retryable: acc.typedError.Retryable,
			Actions:   acc.typedError.Actions,
		})

	case acc.done:
		// Success.

	default:
		// Stream ended without a terminal marker. Let the classifier make
		// sense of whatever the runtime wrote to its diagnostic sink.
		result := classify.Classify(diag)
		if result.Classified {
			keepToken = classify.KeepResumeToken(result)
			o.appendStatus(sessionID, &storage.MessageError{
				Code:    strconv.Itoa(result.Code),
				Title:   fmt.Sprintf("API error %d", result.Code),
				Details: result.Message,
				Raw:     diag,
			})
		} else {
			o.appendStatus(sessionID, &storage.MessageError{
				Title:   "Run failed",
				Details: result.Message,
				Raw:     diag,
			})
		}
	}

	if acc.resumeToken != "" && keepToken {
		if err := o.store.UpdateSessionResumeToken(sessionID, acc.resumeToken); err != nil {
			slog.Error("persist resume token", "sessionID", sessionID, "error", err)
		}
	} else if !keepToken && sess.ResumeToken != "" {
		if err := o.store.UpdateSessionResumeToken(sessionID, ""); err != nil {
			slog.Error("clear resume token", "sessionID", sessionID, "error", err)
		}
	}

	if acc.done && !aborted {
		o.maybeGenerateTitle(sess, userMessage)
	}

	o.approvals.CancelSession(sessionID)
	r.cancel()
	if !releasedEarly {
		o.guard.Release(sessionID)
	}
	o.mu.Lock()
	if o.runs[sessionID] == r {
		delete(o.runs, sessionID)
	}
	o.mu.Unlock()

	o.notifier.OnEvent(sessionID, AgentEvent{Type: AgentEventDone})
	o.finishRun(sessionID)
	slog.Info("run finished", "sessionID", sessionID,
		"aborted", aborted, "done", acc.done, "typedError", acc.typedError != nil)
}

// finishRun pushes the fully persisted transcript to the consumer.
func (o *Orchestrator) finishRun(sessionID string) {
	messages, err := o.store.GetMessages(sessionID, 0)
	if err != nil {
		slog.Error("load transcript for run end", "sessionID", sessionID, "error", err)
		return
	}
	o.notifier.OnRunEnd(sessionID, messages)
}

// callbacks builds the per-run adapter callbacks. The request callbacks
// enforce the configured permission mode before involving a human.
func (o *Orchestrator) callbacks(runCtx context.Context, r *run) runtime.Callbacks {
	return runtime.Callbacks{
		OnResumeToken: func(token string) {
			r.mu.Lock()
			r.cbToken = token
			r.mu.Unlock()
		},
		OnModelResolved: func(model string) {
			r.mu.Lock()
			r.cbModel = model
			r.mu.Unlock()
		},
		OnDiagnostic: r.appendDiag,
		RequestPermission: func(ctx context.Context, req *runtime.PermissionRequest) (*runtime.PermissionDecision, error) {
			if req.Danger == "" {
				req.Danger = ClassifyCommand(req.Command)
			}
			switch o.permissionMode {
			case "deny-all":
				return &runtime.PermissionDecision{Behavior: runtime.PermissionDeny, Message: "denied by policy"}, nil
			case "allow-safe":
				if req.Danger == runtime.DangerSafe {
					return &runtime.PermissionDecision{Behavior: runtime.PermissionAllow}, nil
				}
			}
			return o.approvals.AwaitPermission(runCtx, r.sessionID, req)
		},
		AskUser: func(ctx context.Context, req *runtime.AskUserRequest) (*runtime.AskUserAnswers, error) {
			return o.approvals.AwaitAskUser(runCtx, r.sessionID, req)
		},
	}
}

func (o *Orchestrator) onPendingApproval(pa *PendingApproval) {
	eventType := AgentEventPermissionRequest
	if pa.AskUser != nil {
		eventType = AgentEventAskUserRequest
	}
	o.notifier.OnEvent(pa.SessionID, AgentEvent{Type: eventType, Request: pa.View()})
}

func (o *Orchestrator) onApprovalResolved(sessionID, requestID string) {
	o.notifier.OnEvent(sessionID, AgentEvent{
		Type:    AgentEventApprovalResolved,
		Request: &PendingView{RequestID: requestID, SessionID: sessionID},
	})
}

// failBeforeLaunch pushes a pre-launch failure to the consumer. No run
// started, so nothing is persisted: the transcript carries at most the
// user's own message.
func (o *Orchestrator) failBeforeLaunch(sessionID string, kind FailureKind, err error) {
	o.notifier.OnEvent(sessionID, AgentEvent{Type: AgentEventError, Error: failureError(kind, err.Error())})
}

// appendStatus records a durable status row and pushes the error.
func (o *Orchestrator) appendStatus(sessionID string, msgErr *storage.MessageError) {
	if _, err := o.store.AppendMessage(&storage.Message{
		SessionID: sessionID,
		Role:      storage.RoleStatus,
		Error:     msgErr,
	}); err != nil {
		slog.Error("persist status message", "sessionID", sessionID, "error", err)
	}
	o.notifier.OnEvent(sessionID, AgentEvent{Type: AgentEventError, Error: msgErr})
}

// failureError renders a failure kind as the persisted error shape.
func failureError(kind FailureKind, details string) *storage.MessageError {
	titles := map[FailureKind]string{
		FailureChannelNotFound:      "Channel not found",
		FailureWorkspaceNotFound:    "Workspace not found",
		FailureCredentialDecryption: "Credential decryption failed",
		FailurePrecondition:         "Missing platform prerequisite",
		FailureRuntimeLaunch:        "Runtime failed to start",
		FailureUnclassified:         "Run failed",
	}
	title, ok := titles[kind]
	if !ok {
		title = "Run failed"
	}
	return &storage.MessageError{Code: string(kind), Title: title, Details: details}
}

// keepTokenForCode applies the resume-token retention rule to a typed error
// code. Codes that indicate a client-side problem keep the token; everything
// else clears it so the next run starts clean.
func keepTokenForCode(code string) bool {
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return classify.KeepResumeToken(classify.Result{Code: n, Classified: true})
}

// maybeGenerateTitle asks the title provider for a short session title after
// the first successful exchange. Best effort, off the run path.
func (o *Orchestrator) maybeGenerateTitle(sess *storage.Session, userMessage string) {
	if o.titleProvider == nil || !sess.HasDefaultTitle() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), provider.TitleTimeout)
		defer cancel()
		title, err := provider.GenerateTitle(ctx, o.titleProvider, o.titleModel, userMessage)
		if err != nil {
			slog.Warn("title generation failed", "sessionID", sess.ID, "error", err)
			return
		}
		if err := o.store.UpdateSessionTitle(sess.ID, title); err != nil {
			slog.Error("persist title", "sessionID", sess.ID, "error", err)
			return
		}
		o.notifier.OnTitle(sess.ID, title)
	}()
}
