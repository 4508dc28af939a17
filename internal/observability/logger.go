// Package observability defines shared logging and metrics primitives.
package observability

import (
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the engine.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// JSONLogger writes one JSON object per entry to stdout.
type JSONLogger struct {
	mu sync.Mutex
}

// NewJSONLogger constructs a stdout JSON logger.
func NewJSONLogger() *JSONLogger {
	return &JSONLogger{}
}

// Debug logs at debug level.
func (l *JSONLogger) Debug(msg string, fields ...Field) { l.write("debug", msg, fields) }

// Info logs at info level.
func (l *JSONLogger) Info(msg string, fields ...Field) { l.write("info", msg, fields) }

// Warn logs at warn level.
func (l *JSONLogger) Warn(msg string, fields ...Field) { l.write("warn", msg, fields) }

// Error logs at error level.
func (l *JSONLogger) Error(msg string, fields ...Field) { l.write("error", msg, fields) }

func (l *JSONLogger) write(level, msg string, fields []Field) {
	entry := make(map[string]any, len(fields)+3)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		entry[field.Key] = field.Value
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	_, _ = os.Stdout.Write(append(data, '\n'))
	l.mu.Unlock()
}
