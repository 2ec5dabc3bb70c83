package lockbus

// Logger defines a simple logging interface to avoid forcing a logging
// framework on callers.
type Logger interface {
	Info() LogEvent
	Warn() LogEvent
	Error() LogEvent
	Debug() LogEvent
}

// LogEvent defines a simple log event interface
type LogEvent interface {
	Msg(string)
	Err(error) LogEvent
	Str(string, string) LogEvent
}

type nopLogger struct{}

type nopEvent struct{}

func (nopLogger) Info() LogEvent  { return nopEvent{} }
func (nopLogger) Warn() LogEvent  { return nopEvent{} }
func (nopLogger) Error() LogEvent { return nopEvent{} }
func (nopLogger) Debug() LogEvent { return nopEvent{} }

func (nopEvent) Msg(string)                 {}
func (e nopEvent) Err(error) LogEvent       { return e }
func (e nopEvent) Str(_, _ string) LogEvent { return e }
