// Package logger provides component-scoped structured logging.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogLevel mirrors the configured verbosity.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.RWMutex
	current  LogLevel = INFO
	levelVar          = new(slog.LevelVar)
	base              = newHandlerLogger(os.Stderr, "text")
)

// Configure replaces the process logger. format is "text" or "json".
func Configure(w io.Writer, format string, level LogLevel) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	current = level
	levelVar.Set(toSlogLevel(level))
	base = newHandlerLogger(w, format)
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel changes verbosity without replacing the output.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	current = level
	levelVar.Set(toSlogLevel(level))
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func newHandlerLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logCF(level LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	l := base
	enabled := level >= current
	mu.RUnlock()
	if !enabled {
		return
	}

	attrs := make([]any, 0, 2+len(fields)*2)
	if component != "" {
		attrs = append(attrs, "component", component)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, fields[k])
	}

	switch level {
	case DEBUG:
		l.Debug(message, attrs...)
	case WARN:
		l.Warn(message, attrs...)
	case ERROR:
		l.Error(message, attrs...)
	default:
		l.Info(message, attrs...)
	}
}

func DebugCF(component, message string, fields map[string]interface{}) {
	logCF(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logCF(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logCF(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logCF(ERROR, component, message, fields)
}

func InfoC(component, message string) {
	logCF(INFO, component, message, nil)
}

func WarnC(component, message string) {
	logCF(WARN, component, message, nil)
}
