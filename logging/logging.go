// Package logging provides leveled key=value console logging for taskkit.
// Lines look like:
//
//	INFO  2026-01-02T15:04:05.000Z [store] task_created id=7 priority=5
//
// Output defaults to stderr because the stdio transport owns stdout.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a case-insensitive name to a Level. WARNING is accepted
// as an alias of WARN. Unknown names yield LevelInfo and false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

// sink is shared by a logger and everything derived from it so that
// concurrent writers never interleave partial lines.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes structured lines to a shared sink.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New creates a Logger writing INFO and above to stderr.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stderr, minLevel: LevelInfo}}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a derived logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a derived logger that stamps trace=<id> on every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum log level for this logger and its relatives.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return levelPriority[level] >= levelPriority[l.sink.minLevel]
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v := fmt.Sprintf("%v", fields[k])
		if strings.ContainsAny(v, " \t\n\"") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output.Write([]byte(line))
}

// ToolCall logs a tool invocation.
func (l *Logger) ToolCall(tool string, args map[string]interface{}) {
	l.Debug("tool_call", map[string]interface{}{
		"tool": tool,
		"args": len(args),
	})
}

// ToolResult logs a tool result. Domain failures (not found, validation)
// are WARN, everything else that failed is ERROR.
func (l *Logger) ToolResult(tool string, duration time.Duration, err error, permanent bool) {
	fields := map[string]interface{}{
		"tool":     tool,
		"duration": duration.String(),
	}
	switch {
	case err == nil:
		l.Debug("tool_result", fields)
	case permanent:
		fields["error"] = err.Error()
		l.Warn("tool_rejected", fields)
	default:
		fields["error"] = err.Error()
		l.Error("tool_error", fields)
	}
}

// TaskEvent logs a committed store mutation such as task_created or
// task_claimed.
func (l *Logger) TaskEvent(event string, taskID int64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["id"] = taskID
	l.Info(event, fields)
}

// PolicyDecision logs a tool policy verdict.
func (l *Logger) PolicyDecision(tool, action, reason string) {
	l.Debug("policy", map[string]interface{}{
		"tool":   tool,
		"action": action,
		"reason": reason,
	})
}

// ServerStart logs the start of a serving loop.
func (l *Logger) ServerStart(transport, addr string) {
	l.Info("server_start", map[string]interface{}{
		"transport": transport,
		"addr":      addr,
	})
}

// ServerStop logs the end of a serving loop.
func (l *Logger) ServerStop(transport string, uptime time.Duration) {
	l.Info("server_stop", map[string]interface{}{
		"transport": transport,
		"uptime":    uptime.Round(time.Millisecond).String(),
	})
}
