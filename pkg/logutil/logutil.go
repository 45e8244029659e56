// Package logutil builds the JSON slog loggers used by the toolhost binary.
//
// Host processes route INFO/DEBUG lines to stdout and WARN/ERROR lines to
// stderr, pretty-printing when stdout is a terminal. Worker processes own
// stdout for the message protocol, so everything they log goes to stderr in
// compact form and the host re-emits it.
package logutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// isTTY is set once at init time (checks stdout for piping detection).
var isTTY bool

func init() {
	stat, err := os.Stdout.Stat()
	if err == nil {
		isTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// IsTTY reports whether stdout appears to be a terminal.
func IsTTY() bool {
	return isTTY
}

// Output returns a writer that routes JSON log lines by level:
// INFO/DEBUG to stdout (pretty when it is a TTY), WARN/ERROR to stderr.
func Output(stdout, stderr io.Writer) io.Writer {
	return &levelRoutingWriter{
		stdout: maybeWrapPretty(stdout),
		stderr: stderr,
	}
}

// ParseLevel maps debug|info|warn|error (case-insensitive) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a JSON logger writing to w at the given level.
func New(level slog.Level, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewHost returns the host logger: level-routed across stdout and stderr.
func NewHost(level slog.Level) *slog.Logger {
	return New(level, Output(os.Stdout, os.Stderr))
}

// NewWorker returns the logger for a worker child process. Stdout carries
// protocol frames, so all log lines go to stderr.
func NewWorker(level slog.Level) *slog.Logger {
	return New(level, os.Stderr)
}

// ReemitLine forwards one line from a worker's stderr to logger. JSON lines
// keep their msg, attributes and level; anything else is logged verbatim at
// debug level.
func ReemitLine(logger *slog.Logger, line []byte, attrs ...any) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		logger.Debug("worker stderr", append(attrs, "line", string(line))...)
		return
	}
	msg, _ := entry["msg"].(string)
	level := slog.LevelInfo
	if s, ok := entry["level"].(string); ok {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			level = slog.LevelInfo
		}
	}
	args := append([]any{}, attrs...)
	for k, v := range entry {
		switch k {
		case "time", "level", "msg":
			continue
		}
		args = append(args, k, v)
	}
	logger.Log(context.Background(), level, "worker: "+msg, args...)
}

// maybeWrapPretty wraps w in a pretty-printer if stdout is a TTY.
func maybeWrapPretty(w io.Writer) io.Writer {
	if !isTTY {
		return w
	}
	return &prettyJSONWriter{w: w}
}

// levelRoutingWriter inspects each log line's "level" field and routes it.
type levelRoutingWriter struct {
	stdout io.Writer
	stderr io.Writer
}

func (lw *levelRoutingWriter) Write(p []byte) (int, error) {
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &entry); err != nil {
		return lw.stderr.Write(p)
	}
	switch entry.Level {
	case "WARN", "ERROR":
		return lw.stderr.Write(p)
	default:
		return lw.stdout.Write(p)
	}
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	trimmed := bytes.TrimRight(p, "\n")
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err
}
