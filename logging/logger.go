package logging

import "log"

// Logger is the application-side logging collaborator consumed by Driver
// and Client. Error carries backend and query failures (always logged
// before being surfaced to the caller); Silly carries the optional
// debugQueries/debugResults trace output. "Silly" is the conventional name
// for the most verbose level in the logging vocabulary this module's
// ancestor used, kept here rather than renamed to "Debug" since it is the
// exact method name a hosting application's logger is expected to expose.
type Logger interface {
	Error(format string, args ...any)
	Silly(format string, args ...any)
}

// FuncLogger adapts a Func into a Logger, routing Error to logging.Error
// and Silly to logging.Debug.
type FuncLogger struct {
	Func Func
}

// NewFuncLogger wraps fn as a Logger.
func NewFuncLogger(fn Func) FuncLogger {
	return FuncLogger{Func: fn}
}

// Error implements Logger.
func (l FuncLogger) Error(format string, args ...any) {
	l.Func(Error, format, args...)
}

// Silly implements Logger.
func (l FuncLogger) Silly(format string, args ...any) {
	l.Func(Debug, format, args...)
}

// stdLogger backs Logger with the standard library's log package, mirroring
// the log.Printf-based logging closure a hosting CLI typically builds
// around a verbosity flag.
type stdLogger struct {
	verbose bool
}

// NewStdLogger returns a Logger that writes to the standard logger. Silly
// output is suppressed unless verbose is true; Error is always printed.
func NewStdLogger(verbose bool) Logger {
	return stdLogger{verbose: verbose}
}

// Error implements Logger.
func (l stdLogger) Error(format string, args ...any) {
	log.Printf("ERROR: "+format, args...)
}

// Silly implements Logger.
func (l stdLogger) Silly(format string, args ...any) {
	if !l.verbose {
		return
	}
	log.Printf("SILLY: "+format, args...)
}

// Discard is a Logger that drops everything. Used as the default when no
// Logger is configured.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Error(string, ...any) {}
func (discardLogger) Silly(string, ...any) {}
