package hiboss

// RunStatus is the lifecycle of one AgentExecutor turn (§3, §4.9).
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// AgentRun records one turn of an agent's provider process: the set of
// envelopes it consumed and the outcome (§3).
type AgentRun struct {
	ID            string
	AgentName     string
	StartedAt     int64
	CompletedAt   *int64
	Status        RunStatus
	EnvelopeIDs   []string
	Response      string
	Error         string
	ContextLength int64
	InputTokens   int64
	OutputTokens  int64
}
