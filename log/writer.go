package log

import (
	"fmt"
	"strings"
)

// LogWriter is an io.Writer that forwards each write as an Info line.
// Useful for libraries that only accept a stdlib *log.Logger.
type LogWriter struct {
	logger *Logger
}

// WriterIntoLogger wraps the logger into an io.Writer. The caller is
// reported as the frame that called the stdlib logger.
func WriterIntoLogger(logger *Logger) *LogWriter {
	return &LogWriter{logger: logger.WithCallerUnwind(defaultCallerUnwind + 3)}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// CronLogger adapts Logger to the robfig/cron Logger interface.
type CronLogger struct {
	logger *Logger
}

// NewCronLogger returns a cron-compatible logger.
func NewCronLogger(logger *Logger) CronLogger {
	return CronLogger{logger: logger.WithCallerUnwind(defaultCallerUnwind + 1)}
}

// Info implements cron.Logger. Cron logs every schedule/wake at info; those
// are demoted to debug.
func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(msg, keysAndValues...)
}

// Error implements cron.Logger.
func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error(fmt.Sprintf("%s: %v", msg, err), keysAndValues...)
}
