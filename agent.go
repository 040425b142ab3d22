package hiboss

// Provider identifies which provider CLI an agent's turns are run through.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
)

// ReasoningEffort is the optional effort hint passed to providers that
// support it.
type ReasoningEffort string

const (
	ReasoningNone   ReasoningEffort = "none"
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
	ReasoningXHigh  ReasoningEffort = "xhigh"
)

// PermissionLevel is the totally-ordered authorization level of a
// principal (§4.4). Levels compare with plain integer comparison.
type PermissionLevel int

const (
	PermissionRestricted PermissionLevel = iota
	PermissionStandard
	PermissionPrivileged
	PermissionBoss
)

// String renders the permission level the way it is persisted and
// rendered over RPC.
func (l PermissionLevel) String() string {
	switch l {
	case PermissionRestricted:
		return "restricted"
	case PermissionStandard:
		return "standard"
	case PermissionPrivileged:
		return "privileged"
	case PermissionBoss:
		return "boss"
	default:
		return "restricted"
	}
}

// ParsePermissionLevel parses the persisted string form. Unknown strings
// default to restricted, the safest level.
func ParsePermissionLevel(s string) PermissionLevel {
	switch s {
	case "standard":
		return PermissionStandard
	case "privileged":
		return PermissionPrivileged
	case "boss":
		return PermissionBoss
	default:
		return PermissionRestricted
	}
}

// SessionPolicy configures when an agent's provider session is dropped
// and a fresh one started (§3, §4.8). Any subset of fields may be set;
// zero values mean "no policy of this kind".
type SessionPolicy struct {
	// DailyResetAt is a local "HH:MM" time of day, normalized.
	DailyResetAt string
	// IdleTimeoutMs refreshes the session after this much inactivity.
	IdleTimeoutMs int64
	// MaxContextLength requests a refresh for the *next* turn once the
	// prior turn's reported context length exceeds this.
	MaxContextLength int64
}

// ReservedMetadataKey is the metadata key the Store strips from
// user-supplied Agent.Metadata — only the SessionManager may write it.
const ReservedMetadataKey = "sessionHandle"

// Agent is the persistent configuration for one AI worker (§3).
type Agent struct {
	Name            string // unique, case-insensitive, immutable
	TokenHash       string // "salt:hex" PBKDF2-SHA512 digest
	Description     string
	Workspace       string // absolute path, optional
	Provider        Provider
	Model           string
	ReasoningEffort ReasoningEffort
	PermissionLevel PermissionLevel
	SessionPolicy   SessionPolicy
	Metadata        map[string]any
	CreatedAt       int64
	LastSeenAt      *int64
}
