package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	file   *os.File
	mu     sync.Mutex
	logger = newLogger(os.Stderr, log.WarnLevel)
)

func newLogger(w io.Writer, level log.Level) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
		Level:           level,
	})
	return l
}

// DefaultPath is ~/.config/go-perform/debug.log
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "go-perform", "debug.log")
}

// Enable sends all logging, debug lines included, to path (DefaultPath
// when empty). Until Enable is called warnings and errors go to stderr
// and debug lines are discarded.
func Enable(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		return nil
	}
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	file = f
	logger = newLogger(f, log.DebugLevel)
	logger.Info("=== Debug logging started ===", "at", time.Now().Format(time.RFC3339))
	return nil
}

// Disable closes the log file and returns to stderr.
func Disable() {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}
	logger = newLogger(os.Stderr, log.WarnLevel)
}

// SetOutput redirects logging to w at the given level. Used by the TUI,
// which owns the terminal, and by tests.
func SetOutput(w io.Writer, level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = newLogger(w, lvl)
	mu.Unlock()
	return nil
}

// SetLevel changes the level of the current logger.
func SetLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	current().SetLevel(lvl)
	return nil
}

func current() *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Log writes a debug line under a category.
func Log(category, format string, args ...any) {
	current().Debug(fmt.Sprintf(format, args...), "cat", category)
}

func Info(msg string, keyvals ...any)  { current().Info(msg, keyvals...) }
func Warn(msg string, keyvals ...any)  { current().Warn(msg, keyvals...) }
func Error(msg string, keyvals ...any) { current().Error(msg, keyvals...) }

// LogEvery logs only every N calls (use for high-frequency events)
var counters = make(map[string]int)

func LogEvery(n int, category, format string, args ...any) {
	mu.Lock()
	key := category + format
	counters[key]++
	count := counters[key]
	mu.Unlock()

	if n <= 1 || count%n == 1 {
		Log(category, format+" (every %d, count=%d)", append(args, n, count)...)
	}
}

// WarnEvery is LogEvery at warning level.
func WarnEvery(n int, msg string, keyvals ...any) {
	mu.Lock()
	key := "warn:" + msg
	counters[key]++
	count := counters[key]
	mu.Unlock()

	if n <= 1 || count%n == 1 {
		current().Warn(msg, append(keyvals, "count", count)...)
	}
}
