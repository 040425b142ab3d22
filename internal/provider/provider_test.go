package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evilpsycho42/hiboss"
)

// writeFakeBinary drops a small shell script at dir/name that prints
// lines (one echo per line) to stdout and exits 0, standing in for the
// real provider CLI in tests (§6.2: the core only needs the JSONL
// contract, not a real subprocess).
func writeFakeBinary(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\ncat >/dev/null\n"
	for _, l := range lines {
		script += "echo '" + l + "'\n"
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestRunClaudeParsesResultEvent(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeBinary(t, dir, "claude", []string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"thinking"}]}}`,
		`{"type":"result","subtype":"success","result":"hello boss","session_id":"sess-1","usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":5,"cache_creation_input_tokens":0}}`,
	})

	r := New(Config{ClaudeBinary: bin})
	session := &hiboss.SessionHandle{Provider: hiboss.ProviderClaude, Workspace: dir}
	result, err := r.RunTurn(context.Background(), session, "hi", hiboss.RunTurnParams{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Status != hiboss.TurnSuccess {
		t.Errorf("Status = %q, want success", result.Status)
	}
	if result.FinalText != "hello boss" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "hello boss")
	}
	if result.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", result.SessionID)
	}
	if result.Usage.ContextLength != 125 {
		t.Errorf("ContextLength = %d, want 125", result.Usage.ContextLength)
	}
}

func TestRunCodexComputesDeltaUsage(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeBinary(t, dir, "codex", []string{
		`{"type":"session_configured","session_id":"thread-9"}`,
		`{"msg":{"type":"agent_message","message":"done"}}`,
		`{"type":"token_count","info":{"total_token_usage":{"input_tokens":300,"output_tokens":60,"cached_input_tokens":0}}}`,
	})

	r := New(Config{CodexBinary: bin})
	session := &hiboss.SessionHandle{
		Provider: hiboss.ProviderCodex, Workspace: dir,
		CodexCumulativeInputTokens: 200, CodexCumulativeOutputTokens: 40,
	}
	result, err := r.RunTurn(context.Background(), session, "hi", hiboss.RunTurnParams{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.FinalText != "done" {
		t.Errorf("FinalText = %q, want done", result.FinalText)
	}
	if result.SessionID != "thread-9" {
		t.Errorf("SessionID = %q, want thread-9", result.SessionID)
	}
	if result.Usage.InputTokens != 100 || result.Usage.OutputTokens != 20 {
		t.Errorf("delta usage = %+v, want input=100 output=20", result.Usage)
	}
	if result.Usage.ContextLength != 360 {
		t.Errorf("ContextLength = %d, want 360", result.Usage.ContextLength)
	}
}

func TestRunTurnCancellation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	script := "#!/bin/sh\ncat >/dev/null\nsleep 30\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	r := New(Config{ClaudeBinary: path})
	session := &hiboss.SessionHandle{Provider: hiboss.ProviderClaude, Workspace: dir}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var result hiboss.TurnResult
	var runErr error
	go func() {
		result, runErr = r.RunTurn(ctx, session, "hi", hiboss.RunTurnParams{})
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunTurn did not return after cancellation")
	}
	if runErr != nil {
		t.Fatalf("RunTurn: %v", runErr)
	}
	if result.Status != hiboss.TurnCancelled {
		t.Errorf("Status = %q, want cancelled", result.Status)
	}
}

func TestRunTurnUnknownProvider(t *testing.T) {
	r := New(Config{})
	session := &hiboss.SessionHandle{Provider: "bogus"}
	if _, err := r.RunTurn(context.Background(), session, "hi", hiboss.RunTurnParams{}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
