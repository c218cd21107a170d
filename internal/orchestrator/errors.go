package orchestrator

import (
	"errors"

	"tether/internal/channel"
	"tether/internal/execenv"
)

// Failure kinds. They decide user messaging, persistence and resume-token
// retention; see the propagation rules in the run loop.
type FailureKind string

const (
	// FailureConcurrencyRejected: another run is already active.
	FailureConcurrencyRejected FailureKind = "concurrency_rejected"
	// FailureChannelNotFound: the credential channel does not exist.
	FailureChannelNotFound FailureKind = "channel_not_found"
	// FailureWorkspaceNotFound: the session's workspace is not configured.
	FailureWorkspaceNotFound FailureKind = "workspace_not_found"
	// FailureCredentialDecryption: the stored credential could not be unsealed.
	FailureCredentialDecryption FailureKind = "credential_decryption_failed"
	// FailurePrecondition: a platform precondition (required shell) is missing.
	FailurePrecondition FailureKind = "precondition_failed"
	// FailureRuntimeLaunch: the runtime executable is missing or unusable.
	FailureRuntimeLaunch FailureKind = "runtime_launch_failed"
	// FailureTypedRuntime: the runtime reported a structured failure.
	FailureTypedRuntime FailureKind = "typed_runtime_error"
	// FailureClassifiedAPI: an API error extracted from diagnostic text.
	FailureClassifiedAPI FailureKind = "classified_api_error"
	// FailureUnclassified: a failure nothing could parse.
	FailureUnclassified FailureKind = "unclassified_failure"
	// FailureUserAborted: the human stopped the run. Not an error — no
	// status message is appended for it.
	FailureUserAborted FailureKind = "user_aborted"
)

// ErrSessionBusy is returned by StartRun when the concurrency guard rejects
// the request.
var ErrSessionBusy = errors.New("another run is already active for this session")

// ErrRequestNotFound is returned when responding to an unknown or
// already-resolved approval request. A no-op, not a failure.
var ErrRequestNotFound = errors.New("approval request not found")

// ErrApprovalCancelled resolves a pending approval when its run is aborted
// or torn down.
var ErrApprovalCancelled = errors.New("approval request cancelled")

// startFailureKind maps a pre-launch error to its failure kind.
func startFailureKind(err error) FailureKind {
	switch {
	case errors.Is(err, channel.ErrChannelNotFound):
		return FailureChannelNotFound
	case errors.Is(err, execenv.ErrWorkspaceNotFound):
		return FailureWorkspaceNotFound
	case errors.Is(err, channel.ErrDecryptFailed):
		return FailureCredentialDecryption
	case errors.Is(err, execenv.ErrShellNotFound):
		return FailurePrecondition
	case errors.Is(err, execenv.ErrRuntimeNotFound), errors.Is(err, execenv.ErrRuntimeTooOld):
		return FailureRuntimeLaunch
	default:
		return FailureRuntimeLaunch
	}
}
