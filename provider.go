package hiboss

import "context"

// SessionHandle is the sum type persisted at agents.metadata.sessionHandle
// (§4.8, §9): the provider session identity plus enough policy state to
// decide open-vs-resume on the next turn. Unknown Provider values must
// be discarded by the caller, not defaulted.
type SessionHandle struct {
	Provider                    Provider
	SessionID                   string
	Workspace                   string
	SystemInstructions          string
	Model                       string
	ReasoningEffort             ReasoningEffort
	CreatedAtMs                 int64
	LastRunCompletedAtMs        *int64
	CodexCumulativeInputTokens  int64
	CodexCumulativeOutputTokens int64
}

// Usage reports the provider's self-described token accounting for one
// turn. Any field may be zero; only ContextLength feeds policy
// decisions (§6.2, §9 Open Questions).
type Usage struct {
	ContextLength   int64
	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64
	CacheWriteTokens int64
	TotalTokens     int64
}

// TurnOutcome is the provider-reported result of RunTurn.
type TurnOutcome string

const (
	TurnSuccess   TurnOutcome = "success"
	TurnCancelled TurnOutcome = "cancelled"
)

// TurnResult is what ProviderRunner.RunTurn returns on completion
// (§6.2).
type TurnResult struct {
	Status    TurnOutcome
	FinalText string
	Usage     Usage
	SessionID string // empty if the provider did not report a new one
}

// ChildProcessHandle lets AgentExecutor record the spawned process so
// AbortCurrentRun can signal it (§4.9.2).
type ChildProcessHandle interface {
	// Signal sends SIGTERM to the process group if one was created,
	// falling back to the bare pid.
	Signal() error
}

// RunTurnParams carries the turn context a ProviderRunner needs beyond
// the rendered prompt itself.
type RunTurnParams struct {
	HibossDir      string
	AgentName      string
	OnChildProcess func(ChildProcessHandle)
}

// ProviderRunner is the collaborator contract for spawning a provider
// CLI and running one turn (§6.2). The core specifies only this
// contract; spawning, stdin/stdout framing, and session/usage
// extraction are the runner's responsibility.
type ProviderRunner interface {
	RunTurn(ctx context.Context, session *SessionHandle, turnInput string, params RunTurnParams) (TurnResult, error)
}
