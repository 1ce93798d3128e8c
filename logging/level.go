// Package logging defines the trace-level vocabulary used internally by the
// driver and client packages, plus the Logger interface an embedding
// application implements to receive error and trace output.
package logging

// Level identifies the severity of a log line emitted through a Func.
type Level int

// Levels, ordered from least to most severe. None disables tracing
// entirely.
const (
	Debug Level = iota
	Info
	Warn
	Error
	None
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case None:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// Func is a leveled logging hook. Driver and Client do not take a Func
// directly; FuncLogger adapts one into the Logger they accept.
type Func func(level Level, format string, args ...any)

// DefaultFunc is a Func that discards everything. (The default Logger of
// a Driver is Discard, not a FuncLogger over DefaultFunc.)
func DefaultFunc(Level, string, ...any) {}
