package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// Field keys shared by every component so log lines can be joined on a dialog.
const (
	FieldHandle    = "handle"
	FieldSessionID = "session_id"
	FieldEventType = "event_type"
	FieldRole      = "role"
	FieldCommand   = "command_code"
	FieldPeer      = "peer"
)

// LogFields holds structured key/value pairs for one log line.
type LogFields map[string]any

// ServiceLogger is the logger the adaptor, the sink and the consumer accept.
// Its methods line up with watermill.LoggerAdapter so one backend serves the
// bridge and the transports underneath it.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// watermill's slog adapter logs Trace one step below Debug; keep it there and
// pass the standard levels through.
var slogLevels = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("rfbridge: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger wraps a Watermill LoggerAdapter. An adapter
// obtained from NewWatermillAdapter is unwrapped rather than nested.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	switch l := logger.(type) {
	case nil:
		panic("rfbridge: watermill logger cannot be nil")
	case *serviceLoggerAdapter:
		return l.base
	}
	return &watermillServiceLogger{inner: logger}
}

// NewNopServiceLogger discards everything.
func NewNopServiceLogger() ServiceLogger {
	return &watermillServiceLogger{inner: watermill.NopLogger{}}
}

// NewWatermillAdapter exposes log to Watermill publishers, subscribers and
// routers. A ServiceLogger that already wraps a Watermill adapter hands back
// the original.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	switch l := log.(type) {
	case nil:
		panic("rfbridge: ServiceLogger cannot be nil")
	case *watermillServiceLogger:
		return l.inner
	}
	return &serviceLoggerAdapter{base: log}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
