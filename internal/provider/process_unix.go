//go:build unix

package provider

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures cmd to start in its own process group, so
// AgentExecutor.AbortCurrentRun can signal every descendant the CLI
// spawns, not just the CLI itself (§4.9.2, §9).
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM to the negative pgid, falling back to the
// bare pid if the process never got its own group (§4.9.2).
func signalGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return syscall.Kill(pid, syscall.SIGTERM)
	}
	return nil
}
