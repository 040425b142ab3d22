package hiboss

import (
	"os"
	"path/filepath"
)

// Home returns the Hi-Boss data directory (§6.4). It defaults to ~/hiboss
// but can be overridden with the HIBOSS_HOME environment variable.
func Home() string {
	if v := os.Getenv("HIBOSS_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "hiboss")
}

// PidPath returns the exclusive lock/pid file path.
func PidPath() string {
	return filepath.Join(Home(), "daemon.pid")
}

// SocketPath returns the Unix-domain socket path for the IPC server.
func SocketPath() string {
	return filepath.Join(Home(), "daemon.sock")
}

// LogPath returns the append-only structured log file path.
func LogPath() string {
	return filepath.Join(Home(), "daemon.log")
}

// DefaultDBPath returns the default SQLite database path (~/hiboss/hiboss.db).
func DefaultDBPath() string {
	return filepath.Join(Home(), "hiboss.db")
}

// BossProfilePath returns the path to the boss's external profile document.
func BossProfilePath() string {
	return filepath.Join(Home(), "BOSS.md")
}

// AgentDir returns the per-agent home directory: <dataDir>/agents/<name>.
func AgentDir(name string) string {
	return filepath.Join(Home(), "agents", name)
}

// AgentSoulPath returns the path to an agent's external profile document.
func AgentSoulPath(name string) string {
	return filepath.Join(AgentDir(name), "SOUL.md")
}

// AgentScratchDir returns an agent's scratch workspace directory.
func AgentScratchDir(name string) string {
	return filepath.Join(AgentDir(name), "internal_space")
}

// EnsureHome creates the Hi-Boss home directory if it doesn't exist.
func EnsureHome() error {
	return os.MkdirAll(Home(), 0o755)
}

// EnsureAgentDir creates an agent's home and scratch directories.
func EnsureAgentDir(name string) error {
	return os.MkdirAll(AgentScratchDir(name), 0o755)
}
