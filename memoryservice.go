package hiboss

import "context"

// MemoryService is the collaborator contract for vector/semantic
// memory (§1 Non-goals: embedding + similarity search lives outside
// the core). The executor calls it around a turn on a best-effort
// basis; a nil or no-op implementation is a legitimate MemoryService.
type MemoryService interface {
	// Read returns memory text to inject into a turn's system prompt,
	// or "" if nothing is relevant.
	Read(ctx context.Context, agentName, query string) (string, error)
	// Write records a new memory item for an agent.
	Write(ctx context.Context, agentName, topic, content string) error
	// Clear removes all memory for an agent.
	Clear(ctx context.Context, agentName string) error
}
