// Package logging provides the leveled structured logger used across erfa3ly.
// Entries are written as JSON in production and as plain key=value text
// during development.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Fields carries structured context for a log entry.
type Fields map[string]any

// Logger provides structured logging.
type Logger struct {
	mu         sync.Mutex
	output     io.Writer
	minLevel   Level
	enableJSON bool
}

// Entry represents a structured log entry
type Entry struct {
	Level     Level  `json:"level"`
	Time      string `json:"time"`
	Message   string `json:"msg"`
	Fields    Fields `json:"fields,omitempty"`
	Error     string `json:"error,omitempty"`
	Caller    string `json:"caller,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

var defaultLogger = New(os.Stdout, LevelInfo, false)

// New creates a logger writing to w.
func New(w io.Writer, minLevel Level, enableJSON bool) *Logger {
	return &Logger{
		output:     w,
		minLevel:   minLevel,
		enableJSON: enableJSON,
	}
}

// Setup replaces the package-level logger. format is "json" or "text".
func Setup(w io.Writer, level, format string) {
	defaultLogger = New(w, ParseLevel(level), strings.EqualFold(format, "json"))
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// getCaller returns the file and line number of the caller
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (l *Logger) log(level Level, msg string, fields Fields, err error) {
	if !l.shouldLog(level) {
		return
	}

	entry := Entry{
		Level:   level,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Message: msg,
		Fields:  fields,
		Caller:  getCaller(3),
	}
	if rid, ok := fields["request_id"].(string); ok {
		entry.RequestID = rid
	}
	if err != nil {
		entry.Error = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enableJSON {
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.output, string(data))
		return
	}

	// Plain text format for development; keys sorted for stable output.
	fmt.Fprintf(l.output, "[%s] %s %s", entry.Level, entry.Time, entry.Message)
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(l.output, " %s=%v", k, entry.Fields[k])
	}
	if entry.Error != "" {
		fmt.Fprintf(l.output, " error=%q", entry.Error)
	}
	fmt.Fprintln(l.output)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields, nil) }

// Info logs an info message
func (l *Logger) Info(msg string, fields Fields) { l.log(LevelInfo, msg, fields, nil) }

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields Fields) { l.log(LevelWarn, msg, fields, nil) }

// Error logs an error message
func (l *Logger) Error(msg string, fields Fields, err error) { l.log(LevelError, msg, fields, err) }

// Debug logs a debug message on the default logger.
func Debug(msg string, fields Fields) { defaultLogger.log(LevelDebug, msg, fields, nil) }

// Info logs an info message on the default logger.
func Info(msg string, fields Fields) { defaultLogger.log(LevelInfo, msg, fields, nil) }

// Warn logs a warning on the default logger.
func Warn(msg string, fields Fields) { defaultLogger.log(LevelWarn, msg, fields, nil) }

// Error logs an error on the default logger.
func Error(msg string, fields Fields, err error) { defaultLogger.log(LevelError, msg, fields, err) }
