package provider

import (
	"context"
	"encoding/json"

	"github.com/evilpsycho42/hiboss"
)

// claudeEvent is the subset of Claude Code's `--output-format
// stream-json` event shape this daemon interprets: a running stream of
// "system"/"assistant" events culminating in one "result" event that
// carries the final text, session id, and usage (§6.2).
type claudeEvent struct {
	Type      string       `json:"type"`
	Subtype   string       `json:"subtype,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	IsError   bool         `json:"is_error,omitempty"`
	Result    string       `json:"result,omitempty"`
	Usage     *claudeUsage `json:"usage,omitempty"`
}

type claudeUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// runClaude invokes the Claude Code CLI in non-interactive print mode,
// resuming the prior session id when one is present (§4.8's decision
// already resolved that before this call: handle.SessionID is only
// set when the executor decided to resume).
func (r *Runner) runClaude(ctx context.Context, session *hiboss.SessionHandle, turnInput string, params hiboss.RunTurnParams) (hiboss.TurnResult, error) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if session.SessionID != "" {
		args = append(args, "--resume", session.SessionID)
	}
	if session.SystemInstructions != "" {
		args = append(args, "--append-system-prompt", session.SystemInstructions)
	}
	if session.Model != "" {
		args = append(args, "--model", session.Model)
	}
	if session.ReasoningEffort != "" && session.ReasoningEffort != hiboss.ReasoningNone {
		args = append(args, "--reasoning-effort", string(session.ReasoningEffort))
	}
	return r.spawnAndRun(ctx, r.cfg.claudeBinary(), args, session.Workspace, turnInput, params.OnChildProcess, parseClaudeLine)
}

func parseClaudeLine(line []byte, acc *accumulator) {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.SessionID != "" {
		acc.sessionID = ev.SessionID
	}
	if ev.Type != "result" {
		return
	}
	acc.finalText = ev.Result
	if ev.Usage == nil {
		return
	}
	acc.usage.InputTokens = ev.Usage.InputTokens
	acc.usage.OutputTokens = ev.Usage.OutputTokens
	acc.usage.CacheReadTokens = ev.Usage.CacheReadInputTokens
	acc.usage.CacheWriteTokens = ev.Usage.CacheCreationInputTokens
	acc.usage.TotalTokens = ev.Usage.InputTokens + ev.Usage.OutputTokens + ev.Usage.CacheReadInputTokens + ev.Usage.CacheCreationInputTokens
	// contextLength is a heuristic (§9 Open Questions): Claude does not
	// report the resulting context window occupancy directly, so the
	// turn's total token accounting stands in for it.
	acc.usage.ContextLength = acc.usage.TotalTokens
}
