package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Engine packages depend on this interface instead of a concrete logger so
// tests can capture output and library consumers can plug their own sink.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	rootInstance *root
	rootOnce     sync.Once
)

// root owns the shared log file; component loggers share it.
type root struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	level  Level
	out    io.Writer
}

func getRoot() *root {
	rootOnce.Do(func() {
		rootInstance = newRoot(LevelDebug)
	})
	return rootInstance
}

func newRoot(level Level) *root {
	r := &root{level: level, out: os.Stdout}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("logging: cannot resolve home directory: %v", err)
		return r
	}
	path := filepath.Join(home, "loom-engine.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logging: cannot open log file: %v", err)
		return r
	}
	r.file = file
	r.logger = log.New(file, "", 0)
	return r
}

// SetLevel adjusts the minimum severity written by all component loggers.
func SetLevel(level Level) {
	r := getRoot()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
}

// componentLogger tags each line with a component name.
type componentLogger struct {
	root      *root
	component string
}

// NewComponentLogger returns the shared application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{root: getRoot(), component: component}
}

func (c *componentLogger) log(level Level, format string, args ...any) {
	r := c.root
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := c.component
	if component == "" {
		component = "LOOM"
	}
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, component, file, line, message)
	logLine = Redact(logLine)

	if r.logger != nil {
		r.logger.Print(logLine)
	}
	fmt.Fprint(r.out, logLine)
}

func (c *componentLogger) Debug(format string, args ...any) { c.log(LevelDebug, format, args...) }
func (c *componentLogger) Info(format string, args ...any)  { c.log(LevelInfo, format, args...) }
func (c *componentLogger) Warn(format string, args ...any)  { c.log(LevelWarn, format, args...) }
func (c *componentLogger) Error(format string, args ...any) { c.log(LevelError, format, args...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
