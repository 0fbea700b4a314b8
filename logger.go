package blockalloc

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelColors = map[LogLevel]string{
	DEBUG: "\033[36m", // Cyan
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
}

const colorReset = "\033[0m"

// Logger is a small structured, colourised, leveled logger. It is
// purely an observability aid: nothing in this package's control flow
// depends on whether a message was actually emitted.
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	component  string
	output     io.Writer
	colorize   bool
	showCaller bool
	timeFormat string
}

// LoggerConfig configures a Logger instance.
type LoggerConfig struct {
	Level      LogLevel
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(config LoggerConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05.000"
	}

	return &Logger{
		level:      config.Level,
		component:  config.Component,
		output:     config.Output,
		colorize:   config.Colorize,
		showCaller: config.ShowCaller,
		timeFormat: config.TimeFormat,
	}
}

// DefaultLogger creates a logger with sensible defaults for the given
// component name (typically the engine kind: "bitmap", "buddy", ...).
func DefaultLogger(component string) *Logger {
	return NewLogger(LoggerConfig{
		Level:      WARN,
		Component:  component,
		Output:     os.Stdout,
		Colorize:   true,
		TimeFormat: "15:04:05.000",
	})
}

// quietLogger discards everything; it is the default for an Allocator
// that was not given an explicit logger, since this library is meant
// to run inside contexts (kernels, benchmarks) that own their own
// console.
func quietLogger() *Logger {
	return NewLogger(LoggerConfig{Level: ERROR + 1, Output: io.Discard})
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level LogLevel, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	var b strings.Builder

	if l.colorize {
		b.WriteString(levelColors[level])
	}

	b.WriteString("[")
	b.WriteString(time.Now().Format(l.timeFormat))
	b.WriteString("] [")
	b.WriteString(fmt.Sprintf("%-5s", levelNames[level]))
	b.WriteString("] ")

	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}

	b.WriteString(msg)

	if len(fields) > 0 {
		b.WriteString(" ")
		for i, f := range fields {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(f.Key)
			b.WriteString("=")
			b.WriteString(f.format())
		}
	}

	if l.showCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			parts := strings.Split(file, "/")
			b.WriteString(fmt.Sprintf(" (%s:%d)", parts[len(parts)-1], line))
		}
	}

	if l.colorize {
		b.WriteString(colorReset)
	}
	b.WriteString("\n")

	l.output.Write([]byte(b.String()))
}

// Field is a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	default:
		return fmt.Sprintf("%v", v)
	}
}

func String(key, value string) Field   { return Field{Key: key, Value: value} }
func Int(key string, value int) Field  { return Field{Key: key, Value: value} }
func Uint64(key string, v uint64) Field { return Field{Key: key, Value: v} }
func Uint32(key string, v uint32) Field { return Field{Key: key, Value: v} }
func Err(err error) Field              { return Field{Key: "error", Value: err} }
