package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry is one structured log line.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type jsonLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	metadata  map[string]interface{}
	component string
	logLevel  LogLevel
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		mu:        c.mu,
		out:       c.out,
		metadata:  metadata,
		component: c.component,
		logLevel:  c.logLevel,
	}
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if clone.component == "" {
		clone.component = prefix
	} else if !strings.Contains(clone.component, prefix) {
		clone.component = clone.component + " " + prefix
	}
	return clone
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	return clone
}

func (c *jsonLogger) log(level LogLevel, severity, msg string, args ...interface{}) {
	if level < c.logLevel {
		return
	}
	_msg := msg
	if len(args) > 0 {
		_msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   _msg,
		Component: c.component,
		Metadata:  c.metadata,
	}
	buf, _ := json.Marshal(entry)
	c.mu.Lock()
	c.out.Write(append(buf, '\n'))
	c.mu.Unlock()
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, "TRACE", msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, "DEBUG", msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, "INFO", msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, "WARNING", msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
	os.Exit(1)
}

// NewJSONLogger returns a new Logger instance which can be used for structured logging
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{
		mu:       &sync.Mutex{},
		out:      os.Stderr,
		metadata: make(map[string]interface{}),
		logLevel: level,
	}
}
