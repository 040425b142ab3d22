// Package main provides the hibossd daemon entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/evilpsycho42/hiboss"
	"github.com/evilpsycho42/hiboss/internal/daemon"
	"github.com/evilpsycho42/hiboss/internal/logging"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		startCmd(args)
	case "status":
		statusCmd(args)
	case "stop":
		stopCmd(args)
	case "version":
		fmt.Printf("hibossd %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`hibossd - Hi-Boss daemon

Usage:
  hibossd <command> [options]

Commands:
  start     Start the daemon in the foreground
  status    Report whether a daemon is running
  stop      Signal a running daemon to shut down
  version   Print version information
  help      Show this help message

The data directory defaults to ~/hiboss and can be overridden with the
HIBOSS_HOME environment variable or --home.

Examples:
  hibossd start
  hibossd start --home /var/lib/hiboss --telegram-token "$TELEGRAM_BOT_TOKEN"
  hibossd status
  hibossd stop`)
}

// startCmd runs the daemon in the foreground until it receives SIGINT
// or SIGTERM, then shuts down in the order internal/daemon defines.
func startCmd(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	home := fs.String("home", "", "Data directory (default: $HIBOSS_HOME or ~/hiboss)")
	dbPath := fs.String("db", "", "SQLite database path (default: <home>/hiboss.db)")
	telegramToken := fs.String("telegram-token", os.Getenv("TELEGRAM_BOT_TOKEN"), "Telegram bot token (default: $TELEGRAM_BOT_TOKEN)")
	claudeBin := fs.String("claude-bin", "claude", "Claude Code CLI binary name or path")
	codexBin := fs.String("codex-bin", "codex", "Codex CLI binary name or path")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")

	fs.Usage = func() {
		fmt.Println(`Usage: hibossd start [options]

Start the daemon in the foreground. Logs go to <home>/daemon.log
(JSON lines); nothing is logged to stderr.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	logging.SetLevel(level)

	cfg := daemon.Config{
		HomeDir:       *home,
		DBPath:        *dbPath,
		TelegramToken: *telegramToken,
	}
	cfg.ProviderBinaries.ClaudeBinary = *claudeBin
	cfg.ProviderBinaries.CodexBinary = *codexBin
	cfg.Apply()

	logFile, err := os.OpenFile(hiboss.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logging.Setup(logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg)
	code := d.Run(ctx)
	os.Exit(int(code))
}

// statusCmd implements the §4.2 liveness probe as a CLI-facing check.
func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	home := fs.String("home", "", "Data directory (default: $HIBOSS_HOME or ~/hiboss)")

	fs.Usage = func() {
		fmt.Println(`Usage: hibossd status [options]

Report whether a daemon is running against the given data directory.`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := daemon.Config{HomeDir: *home}
	if daemon.IsRunning(cfg) {
		fmt.Printf("hibossd is running (socket %s)\n", hiboss.SocketPath())
		return
	}
	fmt.Println("hibossd is not running")
	os.Exit(1)
}

// stopCmd sends SIGTERM to the pid recorded in daemon.pid and waits
// for the process to exit, polling the same liveness probe statusCmd
// uses.
func stopCmd(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	home := fs.String("home", "", "Data directory (default: $HIBOSS_HOME or ~/hiboss)")
	timeout := fs.Duration("timeout", 15*time.Second, "Time to wait for shutdown before giving up")

	fs.Usage = func() {
		fmt.Println(`Usage: hibossd stop [options]

Signal a running daemon to shut down gracefully and wait for it to exit.`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := daemon.Config{HomeDir: *home}
	cfg.Apply()

	if !daemon.IsRunning(cfg) {
		fmt.Println("hibossd is not running")
		return
	}

	pidBytes, err := os.ReadFile(hiboss.PidPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: read pid file: %v\n", err)
		os.Exit(1)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed pid file: %v\n", err)
		os.Exit(1)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: find process %d: %v\n", pid, err)
		os.Exit(1)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Error: signal process %d: %v\n", pid, err)
		os.Exit(1)
	}

	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		if !daemon.IsRunning(cfg) {
			fmt.Println("hibossd stopped")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "Error: daemon did not stop within timeout")
	os.Exit(1)
}
