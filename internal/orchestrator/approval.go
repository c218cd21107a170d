package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tether/internal/runtime"
)

const abortedMessage = "aborted"

// pendingResolution is the single value ever delivered to a waiting request.
type pendingResolution struct {
	decision  *runtime.PermissionDecision
	answers   *runtime.AskUserAnswers
	cancelled bool
}

// PendingApproval correlates one outstanding human-decision request with the
// runtime call waiting on it. Exactly one of Permission/AskUser is set, and
// exactly one resolution ever occurs.
type PendingApproval struct {
	ID         string
	SessionID  string
	CreatedAt  time.Time
	Permission *runtime.PermissionRequest
	AskUser    *runtime.AskUserRequest

	// done is buffered so the resolver never blocks. The registry removes
	// the entry under lock before sending, which is what makes resolution
	// single-shot.
	done chan pendingResolution
}

// View returns the consumer-facing shape of the request.
func (p *PendingApproval) View() *PendingView {
	return &PendingView{
		RequestID:  p.ID,
		SessionID:  p.SessionID,
		Permission: p.Permission,
		AskUser:    p.AskUser,
	}
}

// Approvals correlates agent-initiated pauses (permission requests and
// structured questions) with their eventual human answers. Requests queue
// FIFO per session for display; the human may resolve them in any order.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	// order keeps per-session arrival order for the FIFO queue view.
	order map[string][]string
	// alwaysAllow remembers per-session tools the human approved with
	// "always allow"; identical invocations stop prompting.
	alwaysAllow map[string]map[string]struct{}

	onPending  func(*PendingApproval)
	onResolved func(sessionID, requestID string)
}

// NewApprovals creates an empty approval registry.
func NewApprovals() *Approvals {
	return &Approvals{
		pending:     make(map[string]*PendingApproval),
		order:       make(map[string][]string),
		alwaysAllow: make(map[string]map[string]struct{}),
	}
}

// SetHooks installs the notification callbacks. onPending fires when a new
// request enters the queue, onResolved when one leaves it (for any reason).
func (a *Approvals) SetHooks(onPending func(*PendingApproval), onResolved func(sessionID, requestID string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPending = onPending
	a.onResolved = onResolved
}

// AwaitPermission registers a permission request and blocks until a human
// decision, cancellation, or context end. The caller is the runtime
// adapter's tool path — the orchestrator's own event loop never blocks here.
// Cancellation yields a deny with a generic aborted message so the runtime
// is never left waiting.
func (a *Approvals) AwaitPermission(ctx context.Context, sessionID string, req *runtime.PermissionRequest) (*runtime.PermissionDecision, error) {
	if req.Danger == "" {
		req.Danger = ClassifyCommand(req.Command)
	}

	a.mu.Lock()
	if a.remembered(sessionID, req.ToolName) {
		a.mu.Unlock()
		slog.Debug("permission auto-allowed for remembered tool",
			"sessionID", sessionID, "tool", req.ToolName)
		return &runtime.PermissionDecision{Behavior: runtime.PermissionAllow}, nil
	}
	pa := a.registerLocked(sessionID, &PendingApproval{Permission: req})
	a.mu.Unlock()

	a.notifyPending(pa)

	select {
	case res := <-pa.done:
		if res.cancelled {
			return &runtime.PermissionDecision{Behavior: runtime.PermissionDeny, Message: abortedMessage}, nil
		}
		if res.decision.Behavior == runtime.PermissionAllow && res.decision.AlwaysAllow {
			a.remember(sessionID, req.ToolName)
		}
		return res.decision, nil
	case <-ctx.Done():
		a.remove(pa.ID)
		return &runtime.PermissionDecision{Behavior: runtime.PermissionDeny, Message: abortedMessage}, nil
	}
}

// AwaitAskUser registers a question request and blocks until the human
// answers or the run is torn down. There is no deny for this request type;
// abandonment surfaces as ErrApprovalCancelled.
func (a *Approvals) AwaitAskUser(ctx context.Context, sessionID string, req *runtime.AskUserRequest) (*runtime.AskUserAnswers, error) {
	a.mu.Lock()
	pa := a.registerLocked(sessionID, &PendingApproval{AskUser: req})
	a.mu.Unlock()

	a.notifyPending(pa)

	select {
	case res := <-pa.done:
		if res.cancelled {
			return nil, ErrApprovalCancelled
		}
		return res.answers, nil
	case <-ctx.Done():
		a.remove(pa.ID)
		return nil, ErrApprovalCancelled
	}
}

// ResolvePermission delivers a human decision for a permission request.
// Unknown or already-resolved ids report ErrRequestNotFound and change
// nothing.
func (a *Approvals) ResolvePermission(requestID string, behavior runtime.PermissionBehavior, alwaysAllow bool, message string) error {
	pa, ok := a.take(requestID, func(p *PendingApproval) bool { return p.Permission != nil })
	if !ok {
		return ErrRequestNotFound
	}

	pa.done <- pendingResolution{decision: &runtime.PermissionDecision{
		Behavior:    behavior,
		AlwaysAllow: alwaysAllow,
		Message:     message,
	}}
	a.notifyResolved(pa)
	return nil
}

// ResolveAskUser delivers answers for a question request, keyed by question
// index. Resolution always succeeds as allow.
func (a *Approvals) ResolveAskUser(requestID string, answers map[string]string) error {
	pa, ok := a.take(requestID, func(p *PendingApproval) bool { return p.AskUser != nil })
	if !ok {
		return ErrRequestNotFound
	}

	pa.done <- pendingResolution{answers: &runtime.AskUserAnswers{Answers: answers}}
	a.notifyResolved(pa)
	return nil
}

// Pending returns the session's outstanding requests, oldest first.
func (a *Approvals) Pending(sessionID string) []*PendingView {
	a.mu.Lock()
	defer a.mu.Unlock()

	var views []*PendingView
	for _, id := range a.order[sessionID] {
		if pa, ok := a.pending[id]; ok {
			views = append(views, pa.View())
		}
	}
	return views
}

// CancelSession resolves every outstanding request of a session as
// cancelled. Run teardown calls this on every exit path so no approval ever
// leaks across run boundaries.
func (a *Approvals) CancelSession(sessionID string) {
	a.mu.Lock()
	var cancelled []*PendingApproval
	for _, id := range a.order[sessionID] {
		if pa, ok := a.pending[id]; ok {
			delete(a.pending, id)
			cancelled = append(cancelled, pa)
		}
	}
	delete(a.order, sessionID)
	a.mu.Unlock()

	for _, pa := range cancelled {
		pa.done <- pendingResolution{cancelled: true}
		a.notifyResolved(pa)
	}

	if len(cancelled) > 0 {
		slog.Info("cancelled pending approvals", "sessionID", sessionID, "count", len(cancelled))
	}
}

// CancelAll resolves every outstanding request across all sessions.
func (a *Approvals) CancelAll() {
	a.mu.Lock()
	sessions := make([]string, 0, len(a.order))
	for sessionID := range a.order {
		sessions = append(sessions, sessionID)
	}
	a.mu.Unlock()

	for _, sessionID := range sessions {
		a.CancelSession(sessionID)
	}
}

// ForgetSession drops the session's remembered always-allow tools. Called on
// explicit session deletion, not on run teardown.
func (a *Approvals) ForgetSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.alwaysAllow, sessionID)
}

func (a *Approvals) registerLocked(sessionID string, pa *PendingApproval) *PendingApproval {
	pa.ID = uuid.New().String()
	pa.SessionID = sessionID
	pa.CreatedAt = time.Now()
	pa.done = make(chan pendingResolution, 1)

	a.pending[pa.ID] = pa
	a.order[sessionID] = append(a.order[sessionID], pa.ID)
	return pa
}

// take removes and returns the matching pending request. Removal under lock
// is what guarantees at-most-one resolution.
func (a *Approvals) take(requestID string, matches func(*PendingApproval) bool) (*PendingApproval, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pa, ok := a.pending[requestID]
	if !ok || !matches(pa) {
		return nil, false
	}
	delete(a.pending, requestID)
	return pa, true
}

// remove drops an entry without resolving it (context-cancelled waiter).
func (a *Approvals) remove(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, requestID)
}

func (a *Approvals) remembered(sessionID, toolName string) bool {
	tools, ok := a.alwaysAllow[sessionID]
	if !ok {
		return false
	}
	_, ok = tools[toolName]
	return ok
}

func (a *Approvals) remember(sessionID, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.alwaysAllow[sessionID] == nil {
		a.alwaysAllow[sessionID] = make(map[string]struct{})
	}
	a.alwaysAllow[sessionID][toolName] = struct{}{}
}

func (a *Approvals) notifyPending(pa *PendingApproval) {
	a.mu.Lock()
	hook := a.onPending
	a.mu.Unlock()
	if hook != nil {
		hook(pa)
	}
}

func (a *Approvals) notifyResolved(pa *PendingApproval) {
	a.mu.Lock()
	hook := a.onResolved
	a.mu.Unlock()
	if hook != nil {
		hook(pa.SessionID, pa.ID)
	}
}
