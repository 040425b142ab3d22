// Package logging sets up the daemon's global structured logger:
// colored tint output on an interactive terminal, JSON lines otherwise
// (the daemon's own log file, or a supervisor capturing stdout/stderr).
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level, adjustable at runtime without a
// restart (e.g. in response to a future admin RPC).
var Level = new(slog.LevelVar) // default: INFO

// Setup initializes the global slog logger to write to w. When w is
// os.Stderr and it's a TTY, tint renders colored single-line output;
// otherwise (the daemon.log file, or a non-interactive stderr) it falls
// back to JSON so the log stays machine-parseable.
func Setup(w io.Writer) {
	var handler slog.Handler
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: Level,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return Level.Level()
}

// ParseLevel converts a string like "debug", "info", "warn", "error" to
// the corresponding slog.Level. It is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
