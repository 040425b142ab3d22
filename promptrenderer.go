package hiboss

// PromptRenderer is the collaborator contract for turning an agent's
// profile (SOUL.md) and the boss's profile (BOSS.md) into the system
// prompt string handed to the provider (§1 Non-goals: template
// rendering lives outside the core; the core only ever sees the
// rendered string).
type PromptRenderer interface {
	RenderSystemPrompt(agent Agent) (string, error)
}
