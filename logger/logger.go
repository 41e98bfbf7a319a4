package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Transport callbacks, chunk-level detail
	DEBUG                 // Events published on the bus (JSON)
	INFO                  // Lifecycle: attach, detach, transfers, handoff
	WARN                  // Warnings
	ERROR                 // Errors
)

var (
	mu   sync.RWMutex
	base = newBase(os.Stdout)
)

func newBase(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&prefixFormatter{})
	l.SetLevel(logrus.DebugLevel)
	return l
}

// prefixFormatter renders "[prefix LEVEL] msg".
type prefixFormatter struct{}

func (f *prefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var levelStr string
	switch e.Level {
	case logrus.TraceLevel:
		levelStr = "TRACE"
	case logrus.DebugLevel:
		levelStr = "DEBUG"
	case logrus.InfoLevel:
		levelStr = "INFO "
	case logrus.WarnLevel:
		levelStr = "WARN "
	default:
		levelStr = "ERROR"
	}

	prefix, _ := e.Data["prefix"].(string)
	if prefix != "" {
		return []byte(fmt.Sprintf("[%s %s] %s\n", prefix, levelStr, e.Message)), nil
	}
	return []byte(fmt.Sprintf("[%s] %s\n", levelStr, e.Message)), nil
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case TRACE:
		return logrus.TraceLevel
	case DEBUG:
		return logrus.DebugLevel
	case INFO:
		return logrus.InfoLevel
	case WARN:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(toLogrus(level))
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	switch base.GetLevel() {
	case logrus.TraceLevel:
		return TRACE
	case logrus.DebugLevel:
		return DEBUG
	case logrus.InfoLevel:
		return INFO
	case logrus.WarnLevel:
		return WARN
	default:
		return ERROR
	}
}

// SetOutput redirects all log output
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base.SetOutput(w)
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	mu.RLock()
	l := base
	mu.RUnlock()

	lvl := toLogrus(level)
	if !l.IsLevelEnabled(lvl) {
		return
	}
	entry := logrus.NewEntry(l)
	if prefix != "" {
		entry = entry.WithField("prefix", prefix)
	}
	entry.Logf(lvl, format, args...)
}

// Trace logs a trace message (transport callbacks, chunk-level detail)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline:       true,
			Indent:          "  ",
			EmitUnpopulated: false,
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
