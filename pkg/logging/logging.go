// Package logging defines the structured logger the cache emits through.
//
// The interface is deliberately small (leveled messages plus key/value
// pairs) so callers can plug in whatever backend they already run. NewZap
// builds the default backend; Nop discards everything and is the zero-config
// choice for library use.
package logging

// Logger is a leveled, structured logger. keysAndValues are alternating
// keys and values, zap-style.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, keysAndValues ...any) {}
func (nopLogger) Info(msg string, keysAndValues ...any)  {}
func (nopLogger) Warn(msg string, keysAndValues ...any)  {}
func (nopLogger) Error(msg string, keysAndValues ...any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}
