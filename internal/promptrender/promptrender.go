// Package promptrender provides a minimal PromptRenderer (§6.2: prompt
// template rendering internals are a Non-goal, but the core still
// needs *some* renderer to hand the provider a system prompt). It
// concatenates the agent's SOUL.md profile with the boss's BOSS.md
// profile, the way the teacher's agents load an external markdown
// profile document (see agent.go's profile-file convention) rather
// than building prompts from a templating engine.
package promptrender

import (
	"fmt"
	"os"

	"github.com/evilpsycho42/hiboss"
)

// Default renders a system prompt by reading the agent's SOUL.md and
// the shared BOSS.md, falling back to short built-in defaults when
// either file is absent (a freshly registered agent has no SOUL.md
// yet).
type Default struct{}

// New constructs a Default renderer.
func New() Default { return Default{} }

func (Default) RenderSystemPrompt(agent hiboss.Agent) (string, error) {
	soul := readOr(hiboss.AgentSoulPath(agent.Name), defaultSoul(agent))
	boss := readOr(hiboss.BossProfilePath(), defaultBoss)

	prompt := soul + "\n\n---\n\n" + boss
	return prompt, nil
}

func readOr(path, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return fallback
	}
	return string(data)
}

func defaultSoul(agent hiboss.Agent) string {
	return fmt.Sprintf("You are %s, an AI agent working for your boss. No profile document has been written for you yet at SOUL.md; act helpfully and conservatively until one is.", agent.Name)
}

const defaultBoss = "No boss profile has been written yet at BOSS.md. Treat messages from the boss as coming from the person you report to."

var _ hiboss.PromptRenderer = Default{}
