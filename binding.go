package hiboss

// Binding links an agent to a chat channel adapter (§3). At most one
// binding may exist per (agentName, adapterType) pair, and at most one
// binding may exist per (adapterType, adapterToken) pair — the Store
// enforces both uniqueness constraints.
type Binding struct {
	AgentName    string
	AdapterType  string // e.g. "telegram"
	AdapterToken string // opaque per-adapter identity, e.g. a bot token
	CreatedAt    int64
}
