// Package logger is the process-wide structured log. It writes slog text
// lines to a file under the logs directory, created lazily on first use so
// library consumers never have to call Init themselves.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/chorushq/chorus-core/paths"
)

var (
	mu     sync.Mutex
	base   *slog.Logger
	out    *os.File
	opened bool

	logLevel = new(slog.LevelVar)
)

// DefaultLogPath returns the engine's log file path.
func DefaultLogPath() (string, error) {
	logs, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logs, "chorus.log"), nil
}

// MCPLogPath returns the log file path for one conversation's approval
// subprocess. Each subprocess logs separately from the engine.
func MCPLogPath(conversationID string) (string, error) {
	logs, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logs, fmt.Sprintf("mcp-%s.log", conversationID)), nil
}

// StreamLogPath returns the log file path for one session's raw agent
// stream, written when stream debugging is enabled.
func StreamLogPath(sessionID string) (string, error) {
	logs, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logs, fmt.Sprintf("stream-%s.log", sessionID)), nil
}

// SetDebug switches between debug and info level. Takes effect for all
// loggers already handed out.
func SetDebug(enabled bool) {
	level := slog.LevelInfo
	if enabled {
		level = slog.LevelDebug
	}
	logLevel.Set(level)
}

// open points the base logger at path, creating the directory as needed.
// Called with mu held.
func open(path string) error {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("create log directory %s: %w", parent, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}

	out = f
	base = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	opened = true

	base.Info("logging to file", "path", path)
	return nil
}

// Init directs logging to a custom file. Call before any logging happens;
// once the logger is live (explicitly or lazily) Init is a no-op.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if opened {
		return nil
	}
	return open(path)
}

// lazyOpen opens the default log file on first use. Failures degrade to
// slog.Default rather than erroring: logging must never take the engine
// down. Called with mu held.
func lazyOpen() {
	if opened {
		return
	}

	path, err := DefaultLogPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: no log path: %v\n", err)
		return
	}
	if err := open(path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

// active returns the live base logger, opening it on first use and falling
// back to slog.Default when no file could be opened or Close was called.
func active() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	lazyOpen()
	if base != nil {
		return base
	}
	return slog.Default()
}

// Get returns the root logger. Use when there is no conversation to
// attribute the entry to.
func Get() *slog.Logger {
	return active()
}

// WithConversation returns a logger that stamps every entry with the
// conversation id. Most engine logging goes through this.
func WithConversation(conversationID string) *slog.Logger {
	return active().With("conversationID", conversationID)
}

// WithComponent returns a logger that stamps every entry with a component
// name, for subsystem logging outside any conversation.
func WithComponent(component string) *slog.Logger {
	return active().With("component", component)
}

// Close releases the log file. Logging after Close falls back to
// slog.Default until Reset.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if out != nil {
		out.Close()
		out = nil
	}
	base = nil
}

// Reset returns the package to its uninitialized state so the next use
// reopens. For tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if out != nil {
		out.Close()
		out = nil
	}
	base = nil
	opened = false
	logLevel = new(slog.LevelVar)
}

// ClearLogs deletes the engine log and all per-conversation mcp and stream
// logs, returning how many files went away.
func ClearLogs() (int, error) {
	mainLog, err := DefaultLogPath()
	if err != nil {
		return 0, fmt.Errorf("resolve log path: %w", err)
	}
	dir := filepath.Dir(mainLog)

	removed := 0
	for _, pattern := range []string{filepath.Base(mainLog), "mcp-*.log", "stream-*.log"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return removed, err
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
