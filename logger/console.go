package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

func color(val string) string {
	if noColor {
		return ""
	}
	return val
}

const (
	reset       = "\033[0m"
	red         = "\033[31m"
	green       = "\033[32m"
	magenta     = "\033[35m"
	gray        = "\033[1;90m"
	blueBold    = "\033[34;1m"
	magentaBold = "\033[35;1m"
	redBold     = "\033[31;1m"
	whiteBold   = "\033[37;1m"
	cyanBold    = "\033[36;1m"
	purple      = "[38;5;200m"
)

type consoleLogger struct {
	mu       *sync.Mutex
	out      io.Writer
	prefixes []string
	metadata map[string]interface{}
	logLevel LogLevel
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) clone() *consoleLogger {
	prefixes := make([]string, len(c.prefixes))
	copy(prefixes, c.prefixes)
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		mu:       c.mu,
		out:      c.out,
		prefixes: prefixes,
		metadata: metadata,
		logLevel: c.logLevel,
	}
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	if !slices.Contains(l.prefixes, prefix) {
		l.prefixes = append(l.prefixes, prefix)
	}
	return l
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

func (c *consoleLogger) log(level LogLevel, levelColor, messageColor, levelString, msg string, args ...interface{}) {
	if level < c.logLevel {
		return
	}
	_msg := msg
	if len(args) > 0 {
		_msg = fmt.Sprintf(msg, args...)
	}
	var prefix string
	if len(c.prefixes) > 0 {
		prefix = color(purple) + strings.Join(c.prefixes, " ") + color(reset) + " "
	}
	var suffix string
	if len(c.metadata) > 0 {
		buf, _ := json.Marshal(c.metadata)
		suffix = " " + color(gray) + string(buf) + color(reset)
	}
	var levelPad string
	if len(levelString) < 5 {
		levelPad = strings.Repeat(" ", 5-len(levelString))
	}
	levelText := color(levelColor) + fmt.Sprintf("[%s]%s", levelString, levelPad) + color(reset)
	message := color(messageColor) + _msg + color(reset)
	ts := time.Now().Format("2006/01/02 15:04:05")
	c.mu.Lock()
	fmt.Fprintf(c.out, "%s %s %s%s%s\n", ts, levelText, prefix, message, suffix)
	c.mu.Unlock()
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, cyanBold, gray, "TRACE", msg, args...)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, blueBold, green, "DEBUG", msg, args...)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, whiteBold, whiteBold, "INFO", msg, args...)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, magentaBold, magenta, "WARN", msg, args...)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, redBold, red, "ERROR", msg, args...)
}

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, redBold, red, "ERROR", msg, args...)
	os.Exit(1)
}

// NewConsoleLogger returns a new Logger instance which will log to the console
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{
		mu:       &sync.Mutex{},
		out:      os.Stderr,
		metadata: make(map[string]interface{}),
		logLevel: level,
	}
}
