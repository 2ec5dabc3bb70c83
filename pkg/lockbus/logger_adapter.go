package lockbus

import (
	"github.com/rs/zerolog"
)

// ZerologAdapter adapts a zerolog.Logger to the Logger interface.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a new adapter around the given zerolog logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Info returns an info log event
func (a *ZerologAdapter) Info() LogEvent {
	return &zerologEvent{event: a.logger.Info()}
}

// Warn returns a warning log event
func (a *ZerologAdapter) Warn() LogEvent {
	return &zerologEvent{event: a.logger.Warn()}
}

// Error returns an error log event
func (a *ZerologAdapter) Error() LogEvent {
	return &zerologEvent{event: a.logger.Error()}
}

// Debug returns a debug log event
func (a *ZerologAdapter) Debug() LogEvent {
	return &zerologEvent{event: a.logger.Debug()}
}

// zerologEvent adapts a zerolog.Event to the LogEvent interface.
type zerologEvent struct {
	event *zerolog.Event
}

// Msg logs a message
func (e *zerologEvent) Msg(msg string) {
	e.event.Msg(msg)
}

// Err adds an error to the log event
func (e *zerologEvent) Err(err error) LogEvent {
	return &zerologEvent{event: e.event.Err(err)}
}

// Str adds a string field to the log event
func (e *zerologEvent) Str(key, value string) LogEvent {
	return &zerologEvent{event: e.event.Str(key, value)}
}
