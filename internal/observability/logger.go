// Package observability provides the process-wide structured logging facade.
// Binaries install a concrete backend at boot; everything else logs through
// Log() and never holds a backend reference of its own.
package observability

import "sync/atomic"

// Logger is the leveled structured logger the services log through.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// loggerBox keeps the stored type identical across backends so the atomic
// swap never panics on inconsistent concrete types.
type loggerBox struct{ l Logger }

var current atomic.Value

func init() {
	current.Store(loggerBox{l: noopLogger{}})
}

// SetLogger installs the process logger. Passing nil restores the no-op
// backend. Safe to call while other goroutines are logging.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	current.Store(loggerBox{l: logger})
}

// Log returns the installed logger.
func Log() Logger {
	return current.Load().(loggerBox).l
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
