package provider

import (
	"context"
	"encoding/json"

	"github.com/evilpsycho42/hiboss"
)

// codexEvent is the subset of Codex CLI's `exec --json` event stream
// this daemon interprets. Unlike Claude, usage is cumulative per
// thread rather than per-turn (§9 Open Questions: "per-call vs
// cumulative" is explicitly left to heuristic judgment), so
// CodexCumulative*Tokens on the session handle track the last
// reported totals and this turn's delta feeds Usage.
type codexEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Msg       *codexMsg       `json:"msg,omitempty"`
	Info      *codexTokenInfo `json:"info,omitempty"`
}

type codexMsg struct {
	Type             string `json:"type"`
	Message          string `json:"message,omitempty"`
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

type codexTokenInfo struct {
	TotalTokenUsage *codexUsage `json:"total_token_usage,omitempty"`
}

type codexUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
}

// runCodex invokes the Codex CLI's non-interactive exec mode, resuming
// a prior thread id when the executor decided to resume (§4.8).
func (r *Runner) runCodex(ctx context.Context, session *hiboss.SessionHandle, turnInput string, params hiboss.RunTurnParams) (hiboss.TurnResult, error) {
	var args []string
	if session.SessionID != "" {
		args = []string{"exec", "resume", session.SessionID, "--json"}
	} else {
		args = []string{"exec", "--json"}
	}
	if session.Workspace != "" {
		args = append(args, "--cd", session.Workspace)
	}
	if session.Model != "" {
		args = append(args, "--model", session.Model)
	}
	if session.ReasoningEffort != "" && session.ReasoningEffort != hiboss.ReasoningNone {
		args = append(args, "-c", "model_reasoning_effort=\""+string(session.ReasoningEffort)+"\"")
	}
	// "-" tells exec to read the prompt from stdin instead of argv, the
	// same convention runClaude's --print mode uses implicitly.
	args = append(args, "-")

	stdin := turnInput
	if session.SystemInstructions != "" {
		stdin = session.SystemInstructions + "\n\n---\n\n" + turnInput
	}

	prevInput, prevOutput := session.CodexCumulativeInputTokens, session.CodexCumulativeOutputTokens
	result, err := r.spawnAndRun(ctx, r.cfg.codexBinary(), args, session.Workspace, stdin, params.OnChildProcess, parseCodexLine)
	if err != nil || result.Status != hiboss.TurnSuccess {
		return result, err
	}
	// Usage.InputTokens/OutputTokens on the returned TurnResult already
	// hold the cumulative totals the CLI reported; turn them into a
	// per-turn delta against what the session handle had before. The
	// handle keeps the new cumulative totals so the next turn's delta
	// has the right baseline (the executor persists it post-turn).
	session.CodexCumulativeInputTokens = result.Usage.InputTokens
	session.CodexCumulativeOutputTokens = result.Usage.OutputTokens
	total := result.Usage.TotalTokens
	result.Usage.InputTokens -= prevInput
	result.Usage.OutputTokens -= prevOutput
	if result.Usage.InputTokens < 0 {
		result.Usage.InputTokens = 0
	}
	if result.Usage.OutputTokens < 0 {
		result.Usage.OutputTokens = 0
	}
	result.Usage.ContextLength = total
	return result, nil
}

func parseCodexLine(line []byte, acc *accumulator) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.SessionID != "" {
		acc.sessionID = ev.SessionID
	}
	if ev.Msg != nil {
		switch ev.Msg.Type {
		case "agent_message":
			acc.finalText = ev.Msg.Message
		case "task_complete":
			if ev.Msg.LastAgentMessage != "" {
				acc.finalText = ev.Msg.LastAgentMessage
			}
		}
	}
	if ev.Type == "token_count" && ev.Info != nil && ev.Info.TotalTokenUsage != nil {
		u := ev.Info.TotalTokenUsage
		acc.usage.InputTokens = u.InputTokens
		acc.usage.OutputTokens = u.OutputTokens
		acc.usage.CacheReadTokens = u.CachedInputTokens
		acc.usage.TotalTokens = u.InputTokens + u.OutputTokens
	}
}
