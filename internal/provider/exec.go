package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/evilpsycho42/hiboss"
)

// accumulator collects the fields a line parser extracts across a
// provider's JSONL stream; only the last-seen sessionId and finalText
// survive, matching how both CLIs emit a terminal summary event.
type accumulator struct {
	finalText string
	sessionID string
	usage     hiboss.Usage
}

// lineParser is handed one non-empty line of a provider's stdout at a
// time; malformed lines are skipped rather than aborting the turn,
// since both CLIs may interleave diagnostic lines that are not JSON.
type lineParser func(line []byte, acc *accumulator)

// childProcessHandle implements hiboss.ChildProcessHandle over a
// spawned *exec.Cmd running in its own process group (§4.9.2, §9).
type childProcessHandle struct {
	cmd *exec.Cmd
}

func (h *childProcessHandle) Signal() error {
	if h.cmd.Process == nil {
		return nil
	}
	return signalGroup(h.cmd.Process.Pid)
}

// spawnAndRun is the shared spawn/stdin/stdout-scan/reap machinery both
// the Claude and Codex invocations use (§6.2): start the CLI in its own
// process group, write turnInput to stdin, scan stdout line by line
// through parse, and map ctx cancellation onto hiboss.TurnCancelled
// rather than an error.
func (r *Runner) spawnAndRun(ctx context.Context, binary string, args []string, workspace, turnInput string, onChildProcess func(hiboss.ChildProcessHandle), parse lineParser) (hiboss.TurnResult, error) {
	cmd := exec.Command(binary, args...)
	if workspace != "" {
		cmd.Dir = workspace
	}
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return hiboss.TurnResult{}, fmt.Errorf("provider: stdin pipe for %s: %w", binary, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return hiboss.TurnResult{}, fmt.Errorf("provider: stdout pipe for %s: %w", binary, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return hiboss.TurnResult{}, fmt.Errorf("provider: start %s: %w", binary, err)
	}
	if onChildProcess != nil {
		onChildProcess(&childProcessHandle{cmd: cmd})
	}

	go func() {
		io.WriteString(stdin, turnInput)
		stdin.Close()
	}()

	var acc accumulator
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			parse(line, &acc)
		}
	}()

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	var waitErr error
	cancelled := false
	select {
	case <-ctx.Done():
		cancelled = true
		if cmd.Process != nil {
			signalGroup(cmd.Process.Pid)
		}
		waitErr = <-waitErrCh
	case waitErr = <-waitErrCh:
	}
	<-scanDone

	if cancelled {
		return hiboss.TurnResult{Status: hiboss.TurnCancelled, FinalText: acc.finalText, Usage: acc.usage, SessionID: acc.sessionID}, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() < 0 {
			// Negative exit code: the process was signalled, not that it
			// failed on its own — most likely a concurrent abort raced
			// this call's own ctx check. Report as cancelled.
			return hiboss.TurnResult{Status: hiboss.TurnCancelled, FinalText: acc.finalText, Usage: acc.usage, SessionID: acc.sessionID}, nil
		}
		return hiboss.TurnResult{}, fmt.Errorf("provider: %s exited: %w (stderr: %s)", binary, waitErr, stderr.String())
	}
	return hiboss.TurnResult{Status: hiboss.TurnSuccess, FinalText: acc.finalText, Usage: acc.usage, SessionID: acc.sessionID}, nil
}
