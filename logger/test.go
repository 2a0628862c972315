package logger

import (
	"fmt"
	"sync"
)

// TestLogEntry is a captured log call.
type TestLogEntry struct {
	Severity string
	Message  string
}

// TestLogger captures log entries for assertions. Safe for concurrent use
// since background jobs log from their own goroutines.
type TestLogger struct {
	mu       sync.Mutex
	metadata map[string]interface{}
	entries  []TestLogEntry
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	return c
}

func (c *TestLogger) log(severity, msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	c.mu.Lock()
	c.entries = append(c.entries, TestLogEntry{severity, msg})
	c.mu.Unlock()
}

// Entries returns a copy of everything logged so far.
func (c *TestLogger) Entries() []TestLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TestLogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.log("TRACE", msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.log("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.log("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.log("WARNING", msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.log("ERROR", msg, args...) }

// Fatal records the entry but does not exit, so tests can assert on it.
func (c *TestLogger) Fatal(msg string, args ...interface{}) { c.log("FATAL", msg, args...) }

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{}
}
