// Package runtime defines the contract between the orchestrator and the
// external agent execution runtime. The runtime itself (process spawning,
// model calls, tool execution) lives behind the Adapter interface; the
// orchestrator consumes its ordered event stream with a single pass and
// never assumes it can be replayed.
package runtime

import "context"

// ExecutionContext is the immutable input for one run. A new context is
// built for every run; nothing in it is shared mutable state, so concurrent
// runs for different sessions cannot interfere through it.
type ExecutionContext struct {
	SessionID string
	Prompt    string

	// Credentials and endpoint.
	APIKey  string
	BaseURL string
	// ProxyURL is the effective outbound proxy, empty for direct.
	ProxyURL string

	Model   string
	WorkDir string

	// ResumeToken, when set, asks the runtime to continue its previous
	// internal state. The runtime falls back to a fresh run silently if
	// the token is stale.
	ResumeToken string

	// PermissionMode controls tool permission handling: "ask",
	// "allow-safe", or "deny-all".
	PermissionMode string

	// DisallowedTools lists tools the runtime must not offer the agent.
	DisallowedTools []string

	// Env is a private copy of the environment variables the runtime
	// process needs. The builder never mutates global environment state.
	Env map[string]string
}

// DangerLevel classifies how risky a requested tool invocation is.
type DangerLevel string

const (
	DangerSafe      DangerLevel = "safe"
	DangerNormal    DangerLevel = "normal"
	DangerDangerous DangerLevel = "dangerous"
)

// PermissionRequest is raised when the agent wants to perform an action
// requiring human approval. Either Command or Input is populated.
type PermissionRequest struct {
	ToolName string      `json:"tool_name"`
	Danger   DangerLevel `json:"danger"`
	Command  string      `json:"command,omitempty"`
	Input    []byte      `json:"input,omitempty"`
}

// PermissionBehavior is the human's decision on a permission request.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

// PermissionDecision resolves a PermissionRequest.
type PermissionDecision struct {
	Behavior PermissionBehavior `json:"behavior"`
	// AlwaysAllow asks that identical invocations of this tool no longer
	// prompt for the rest of the session.
	AlwaysAllow bool `json:"always_allow,omitempty"`
	// Message carries the denial reason back to the agent.
	Message string `json:"message,omitempty"`
}

// Question is one structured question the agent asks the human.
type Question struct {
	Label       string   `json:"label"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// AskUserRequest is raised when the agent needs disambiguating answers.
type AskUserRequest struct {
	Questions []Question `json:"questions"`
}

// AskUserAnswers maps question index (as a string) to a freeform answer.
type AskUserAnswers struct {
	Answers map[string]string `json:"answers"`
}

// Callbacks are supplied by the orchestrator for one run. The notification
// callbacks may fire many times and must not block; the two request
// callbacks block the runtime's tool execution until a human answers (or the
// run is cancelled), while the event stream keeps flowing.
type Callbacks struct {
	OnResumeToken   func(token string)
	OnModelResolved func(model string)
	// OnDiagnostic receives raw stderr-equivalent output, chunked. It is
	// kept separate from the typed event stream and consulted by the error
	// classifier only when no typed error was produced.
	OnDiagnostic func(chunk string)

	RequestPermission func(ctx context.Context, req *PermissionRequest) (*PermissionDecision, error)
	AskUser           func(ctx context.Context, req *AskUserRequest) (*AskUserAnswers, error)
}

// Adapter starts and controls agent runs. Implementations produce a
// sequential, ordered event stream per run; the channel is closed after the
// terminal event (done or typed error). Query returns an error only for
// launch failures — once the channel is returned, failures travel as events.
type Adapter interface {
	Query(ctx context.Context, ec *ExecutionContext, cb Callbacks) (<-chan Event, error)
	// Abort terminates the active run for a session, if any.
	Abort(sessionID string)
	// Dispose aborts all active runs and releases adapter resources.
	Dispose()
}
