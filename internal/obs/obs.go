// Package obs holds the logging, tracing and metric attribute plumbing shared
// by the transaction layer and the sweep dispatcher.
package obs

import (
	"context"
	"fmt"
	"strings"
)

// Logger provides debug logging hooks.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// LevelLogger is implemented by structured loggers that support levels above
// debug, such as *zap.SugaredLogger.
type LevelLogger interface {
	Infow(msg string, keyvals ...any)
	Warnw(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap long-running activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Field is one key/value pair attached to an event.
type Field struct {
	Key   string
	Value any
}

// KV builds a Field.
func KV(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Events writes named events to whichever logger hooks are configured.
type Events struct {
	msg        string
	logger     Logger
	structured StructuredLogger
	leveled    LevelLogger
}

// NewEvents returns an Events writer. When structured is nil and logger also
// implements StructuredLogger, logger is used for structured output.
func NewEvents(msg string, logger Logger, structured StructuredLogger) *Events {
	if structured == nil {
		if s, ok := logger.(StructuredLogger); ok {
			structured = s
		}
	}
	e := &Events{msg: msg, logger: logger, structured: structured}
	if l, ok := structured.(LevelLogger); ok {
		e.leveled = l
	}
	return e
}

// Structured returns the structured hook in use, if any.
func (e *Events) Structured() StructuredLogger {
	if e == nil {
		return nil
	}
	return e.structured
}

// Debug logs event at debug level.
func (e *Events) Debug(event string, fields ...Field) {
	if e == nil {
		return
	}
	if e.structured != nil {
		e.structured.Debugw(e.msg, keyvals(event, fields)...)
		return
	}
	e.Debugf("%s", line(event, fields))
}

// Info logs event at info level, or debug when the logger has no levels.
func (e *Events) Info(event string, fields ...Field) {
	if e == nil {
		return
	}
	if e.leveled != nil {
		e.leveled.Infow(e.msg, keyvals(event, fields)...)
		return
	}
	e.Debug(event, fields...)
}

// Warn logs event at warn level, or debug when the logger has no levels.
func (e *Events) Warn(event string, fields ...Field) {
	if e == nil {
		return
	}
	if e.leveled != nil {
		e.leveled.Warnw(e.msg, keyvals(event, fields)...)
		return
	}
	e.Debug(event, fields...)
}

// Error logs event at error level, or debug when the logger has no levels.
func (e *Events) Error(event string, fields ...Field) {
	if e == nil {
		return
	}
	if e.leveled != nil {
		e.leveled.Errorw(e.msg, keyvals(event, fields)...)
		return
	}
	e.Debug(event, fields...)
}

// Debugf forwards a formatted line to the plain logger.
func (e *Events) Debugf(format string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Debugf(e.msg+" "+format, args...)
}

func keyvals(event string, fields []Field) []any {
	kv := make([]any, 0, len(fields)*2+2)
	kv = append(kv, "event", event)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		kv = append(kv, field.Key, field.Value)
	}
	return kv
}

func line(event string, fields []Field) string {
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.Key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.Value))
	}
	return b.String()
}

// Attrs merges base with fields into a metric attribute map.
func Attrs(base map[string]string, fields ...Field) map[string]string {
	attrs := make(map[string]string, len(base)+len(fields))
	for k, v := range base {
		attrs[k] = v
	}
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		attrs[field.Key] = fmt.Sprint(field.Value)
	}
	return attrs
}

// SpanEvent adds a named event to span when tracing is enabled.
func SpanEvent(span Span, name string, fields ...Field) {
	if span == nil {
		return
	}
	span.AddEvent(name, Attributes(fields...)...)
}

// SpanError records err on span when both are non-nil.
func SpanError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

// EndSpan ends span when tracing is enabled.
func EndSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

// Attributes converts fields into trace attributes.
func Attributes(fields ...Field) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.Key, Value: field.Value})
	}
	return attrs
}

// EnsureContext substitutes context.Background for a nil ctx.
func EnsureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
