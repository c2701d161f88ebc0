// Package log implements support for structured logging.
package log

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// log.DefaultCaller + 2 for this package's leveling wrapper and emit.
const defaultCallerUnwind = 5

// Logger is a structured, leveled logger. Every line carries the module
// that produced it.
type Logger struct {
	base   log.Logger // Bare encoder.
	ctx    []interface{}
	unwind int
	level  Level
	module string
}

// NewDefaultLogger initializes a new logger instance with default settings.
// For usage outside tests, prefer RootLogger() from package `cmd/common`.
func NewDefaultLogger(module string) *Logger {
	logger, err := NewLogger(module, os.Stdout, FmtJSON, LevelInfo)
	if err != nil {
		// NewLogger only fails on an invalid format.
		panic(err)
	}
	return logger
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{base: log.NewNopLogger(), unwind: defaultCallerUnwind, level: LevelError}
}

// NewLogger initializes a new logger instance.
func NewLogger(module string, w io.Writer, format Format, lvl Level) (*Logger, error) {
	base, err := format.encoder(w)
	if err != nil {
		return nil, err
	}
	return &Logger{
		base:   base,
		unwind: defaultCallerUnwind,
		level:  lvl,
		module: module,
	}, nil
}

func (l *Logger) emit(lvl func(log.Logger) log.Logger, msg string, keyvals []interface{}) {
	logger := log.WithPrefix(l.base, "ts", log.DefaultTimestampUTC, "caller", log.Caller(l.unwind))
	if len(l.ctx) > 0 {
		logger = log.With(logger, l.ctx...)
	}
	keyvals = append([]interface{}{"module", l.module, "msg", msg}, keyvals...)
	_ = lvl(logger).Log(keyvals...)
}

// Debug logs the message and key value pairs at the Debug log level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	if l.level > LevelDebug {
		return
	}
	l.emit(level.Debug, msg, keyvals)
}

// Info logs the message and key value pairs at the Info log level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	if l.level > LevelInfo {
		return
	}
	l.emit(level.Info, msg, keyvals)
}

// Warn logs the message and key value pairs at the Warn log level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if l.level > LevelWarn {
		return
	}
	l.emit(level.Warn, msg, keyvals)
}

// Error logs the message and key value pairs at the Error log level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.emit(level.Error, msg, keyvals)
}

func (l *Logger) clone() *Logger {
	c := *l
	c.ctx = append([]interface{}{}, l.ctx...)
	return &c
}

// With returns a clone of the logger with the provided key/value pairs
// added as context for all subsequent logs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	c := l.clone()
	c.ctx = append(c.ctx, keyvals...)
	return c
}

// WithModule returns a clone of the logger with the provided module
// added as context for all subsequent logs.
func (l *Logger) WithModule(module string) *Logger {
	c := l.clone()
	c.module = module
	return c
}

// WithCallerUnwind returns a clone of the logger that reports the caller
// `unwind` frames up the stack. Used when the logger sits behind an adapter.
func (l *Logger) WithCallerUnwind(unwind int) *Logger {
	c := l.clone()
	c.unwind = unwind
	return c
}

// Level is the logging level.
func (l *Logger) Level() Level {
	return l.level
}
