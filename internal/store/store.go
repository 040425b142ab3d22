// Package store implements the SQLite-backed persistence layer (C1):
// agents, bindings, envelopes, agent runs, cron schedules, and config.
// The Store owns the database handle exclusively; every other component
// holds only a reference to the Store interface.
package store

import (
	"context"

	"github.com/evilpsycho42/hiboss"
)

// Kind classifies a Store failure so callers can map it onto a wire
// error code without string-matching (§4.1, §7).
type Kind string

const (
	KindNotFound      Kind = "not-found"
	KindAlreadyExists Kind = "already-exists"
	KindInvariant     Kind = "invariant"
	KindIO            Kind = "io"
)

// Error is the error type every Store method returns on failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RegisterAgentInput is the subset of Agent fields the caller supplies;
// Name and Provider are required, everything else defaults.
type RegisterAgentInput struct {
	Name            string
	Description     string
	Workspace       string
	Provider        hiboss.Provider
	Model           string
	ReasoningEffort hiboss.ReasoningEffort
	PermissionLevel hiboss.PermissionLevel
	SessionPolicy   hiboss.SessionPolicy
	Metadata        map[string]any
}

// TokenUsage carries the optional usage fields recorded on completion.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// EnvelopeFilter narrows ListEnvelopes; zero-value fields are unfiltered.
type EnvelopeFilter struct {
	To     string // canonical address string, exact match
	From   string
	Status hiboss.EnvelopeStatus
	Limit  int
}

// Store is the persistence contract (§4.1). All methods are synchronous
// and individually atomic; RunInTransaction groups several into one
// commit.
type Store interface {
	Close() error

	RegisterAgent(ctx context.Context, in RegisterAgentInput) (hiboss.Agent, string, error)
	FindAgentByToken(ctx context.Context, token string) (*hiboss.Agent, error)
	VerifyBossToken(ctx context.Context, token string) (bool, error)
	// SetupBoss generates and persists the boss's token, completing
	// first-run setup (§6.3's setup.execute; SPEC_FULL.md carries the
	// daemon-side handler even though the interactive wizard itself is a
	// Non-goal). Returns the plaintext token, shown to the boss exactly
	// once.
	SetupBoss(ctx context.Context, name, timezone string, nowMs int64) (string, error)
	IsSetupComplete(ctx context.Context) (bool, error)
	GetAgent(ctx context.Context, name string) (*hiboss.Agent, error)
	ListAgents(ctx context.Context) ([]hiboss.Agent, error)
	UpdateAgent(ctx context.Context, agent hiboss.Agent) error
	TouchAgentLastSeen(ctx context.Context, name string, atMs int64) error
	DeleteAgent(ctx context.Context, name string) error

	CreateBinding(ctx context.Context, b hiboss.Binding) error
	DeleteBinding(ctx context.Context, agentName, adapterType string) error
	GetAgentBindingByType(ctx context.Context, agentName, adapterType string) (*hiboss.Binding, error)
	GetBindingByAdapter(ctx context.Context, adapterType, adapterToken string) (*hiboss.Binding, error)
	ListBindingsForAgent(ctx context.Context, agentName string) ([]hiboss.Binding, error)

	InsertEnvelope(ctx context.Context, e hiboss.Envelope) error
	GetEnvelope(ctx context.Context, id string) (*hiboss.Envelope, error)
	ListEnvelopes(ctx context.Context, filter EnvelopeFilter) ([]hiboss.Envelope, error)
	ResolveEnvelopePrefix(ctx context.Context, hexPrefix string) ([]hiboss.Envelope, error)
	GetPendingEnvelopesForAgent(ctx context.Context, agentName string, limit int, nowMs int64) ([]hiboss.Envelope, error)
	GetDueDeferredEnvelopes(ctx context.Context, nowMs int64) ([]hiboss.Envelope, error)
	NextDeliverAt(ctx context.Context) (*int64, error)
	MarkEnvelopesDone(ctx context.Context, ids []string) (int, error)
	MarkEnvelopeSent(ctx context.Context, id, channelMessageID string) error

	CreateAgentRun(ctx context.Context, agentName string, envelopeIDs []string, startedAtMs int64) (string, error)
	CompleteAgentRun(ctx context.Context, id, response string, contextLength int64, usage TokenUsage, completedAtMs int64) error
	FailAgentRun(ctx context.Context, id, errMsg string, completedAtMs int64) error
	CancelAgentRun(ctx context.Context, id, reason string, completedAtMs int64) error
	GetAgentRun(ctx context.Context, id string) (*hiboss.AgentRun, error)
	ListAgentRuns(ctx context.Context, agentName string, limit int) ([]hiboss.AgentRun, error)
	ResolveAgentRunPrefix(ctx context.Context, hexPrefix string) ([]hiboss.AgentRun, error)

	CreateCronSchedule(ctx context.Context, cs hiboss.CronSchedule) error
	GetCronSchedule(ctx context.Context, id string) (*hiboss.CronSchedule, error)
	ListCronSchedules(ctx context.Context) ([]hiboss.CronSchedule, error)
	UpdateCronSchedule(ctx context.Context, cs hiboss.CronSchedule) error
	DeleteCronSchedule(ctx context.Context, id string) error
	FindCronSchedulesByAgentIDPrefix(ctx context.Context, agentName, hexPrefix string) ([]hiboss.CronSchedule, error)

	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string, nowMs int64) error

	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
