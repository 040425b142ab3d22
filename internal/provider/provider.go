// Package provider implements the ProviderRunner contract (§6.2): it
// spawns the Claude Code or Codex CLI as a one-shot process group for a
// single turn, feeds it the rendered prompt, scans its stdout JSONL
// stream, and extracts the final text, session id, and token usage.
package provider

import (
	"context"
	"fmt"

	"github.com/evilpsycho42/hiboss"
)

// Config names the provider CLI binaries to invoke. Empty fields
// default to the bare command name, resolved from PATH.
type Config struct {
	ClaudeBinary string
	CodexBinary  string
}

func (c Config) claudeBinary() string {
	if c.ClaudeBinary != "" {
		return c.ClaudeBinary
	}
	return "claude"
}

func (c Config) codexBinary() string {
	if c.CodexBinary != "" {
		return c.CodexBinary
	}
	return "codex"
}

// Runner implements hiboss.ProviderRunner by dispatching to the
// concrete claude/codex invocation based on the session's Provider.
type Runner struct {
	cfg Config
}

// New constructs a Runner.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// RunTurn spawns the provider CLI named by session.Provider and runs
// one turn to completion (§6.2, §4.9.1 step 5).
func (r *Runner) RunTurn(ctx context.Context, session *hiboss.SessionHandle, turnInput string, params hiboss.RunTurnParams) (hiboss.TurnResult, error) {
	switch session.Provider {
	case hiboss.ProviderClaude:
		return r.runClaude(ctx, session, turnInput, params)
	case hiboss.ProviderCodex:
		return r.runCodex(ctx, session, turnInput, params)
	default:
		return hiboss.TurnResult{}, fmt.Errorf("provider: unknown provider %q", session.Provider)
	}
}
