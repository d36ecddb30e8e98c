package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which log lines a JSONLogger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel maps a config string to a LogLevel. Unknown values
// default to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// JSONLogger writes one JSON object per line. It implements Logger and
// ComponentAwareLogger and is safe for concurrent use.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewJSONLogger creates a logger writing to stdout at info level.
func NewJSONLogger() *JSONLogger {
	return &JSONLogger{out: os.Stdout, level: InfoLevel}
}

// NewJSONLoggerWithOptions creates a logger with an explicit sink and level.
func NewJSONLoggerWithOptions(out io.Writer, level LogLevel) *JSONLogger {
	if out == nil {
		out = os.Stdout
	}
	return &JSONLogger{out: out, level: level}
}

// WithComponent returns a logger that tags every line with the component.
func (l *JSONLogger) WithComponent(component string) Logger {
	return &JSONLogger{out: l.out, level: l.level, component: component}
}

// SetLevel changes the minimum emitted level.
func (l *JSONLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "error", msg, fields)
}

func (l *JSONLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["level"] = name
	entry["msg"] = msg
	entry["time"] = time.Now().Format(time.RFC3339Nano)
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fall back to a plain line rather than dropping the record
		fmt.Fprintf(l.out, `{"level":%q,"msg":%q,"marshal_error":%q}`+"\n", name, msg, err.Error())
		return
	}
	data = append(data, '\n')
	_, _ = l.out.Write(data)
}
