// Package corelog wraps log/slog with the four correlation identifiers the
// runtime threads through every handler invocation and span, plus optional
// fanout of log records to the bus for external streaming. Grounded on the
// teacher's component.Logger: a slog wrapper with double-checked nil
// connection and a JSON LogEntry shape, adapted from a fixed flow_id to a
// per-request correlation id.
package corelog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Level extends slog's four standard levels with trace (below debug) and
// critical (above error), matching the concrete logging binding's level set.
type Level = slog.Level

const (
	LevelTrace    Level = slog.LevelDebug - 4
	LevelDebug    Level = slog.LevelDebug
	LevelInfo     Level = slog.LevelInfo
	LevelWarn     Level = slog.LevelWarn
	LevelError    Level = slog.LevelError
	LevelCritical Level = slog.LevelError + 4
)

// globalLevel is the process-wide minimum log level, read from LOG_LEVEL at
// startup and re-readable on SIGHUP.
var globalLevel atomic.Int64

func init() {
	globalLevel.Store(int64(levelFromString(os.Getenv("LOG_LEVEL"))))
}

func levelFromString(s string) Level {
	switch s {
	case "trace", "TRACE":
		return LevelTrace
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	case "critical", "CRITICAL", "fatal", "FATAL":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// SetLevel updates the process-global minimum log level.
func SetLevel(l Level) {
	globalLevel.Store(int64(l))
}

// ReloadLevelFromEnv re-reads LOG_LEVEL, intended to be called from a
// SIGHUP handler.
func ReloadLevelFromEnv() {
	SetLevel(levelFromString(os.Getenv("LOG_LEVEL")))
}

// CurrentLevel returns the process-global minimum log level.
func CurrentLevel() Level {
	return Level(globalLevel.Load())
}

type levelVar struct{}

func (levelVar) Level() slog.Level { return CurrentLevel() }

// entry is the JSON shape published to the bus fanout subject, mirroring
// the teacher's LogEntry.
type entry struct {
	Timestamp     string `json:"timestamp"`
	Level         string `json:"level"`
	Service       string `json:"service"`
	Component     string `json:"component"`
	CorrelationID string `json:"correlation_id"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
	Message       string `json:"message"`
}

// Logger is a correlation/trace/span-aware structured logger, optionally
// fanning records out to NATS subject logs.<correlation_id>.<component>.
type Logger struct {
	base          *slog.Logger
	nc            *nats.Conn
	service       string
	component     string
	correlationID string
	traceID       string
	spanID        string
}

// New creates a root Logger writing JSON to w, optionally fanning out to nc
// (nil disables fanout). A nil w defaults to os.Stdout; pass
// io.MultiWriter(os.Stdout, f) to also persist to a file.
func New(service string, w io.Writer, nc *nats.Conn) *Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar{}})
	base := slog.New(handler).With("service", service)

	return &Logger{
		base:          base,
		nc:            nc,
		service:       service,
		component:     service,
		correlationID: newID(8),
		traceID:       "",
		spanID:        "",
	}
}

func newID(n int) string {
	full := strings.ReplaceAll(uuid.New().String(), "-", "")
	full = full[:n]
	return full
}

// Child returns a derived logger for a named component, sharing the parent
// correlation/trace ids and generating a fresh span id.
func (l *Logger) Child(component string) *Logger {
	return &Logger{
		base:          l.base.With("component", component),
		nc:            l.nc,
		service:       l.service,
		component:     component,
		correlationID: l.correlationID,
		traceID:       l.traceID,
		spanID:        newID(8),
	}
}

// Span returns a derived logger for an operation name, sharing the parent
// correlation/trace ids and generating a fresh span id.
func (l *Logger) Span(operation string) *Logger {
	child := l.Child(l.component)
	child.base = child.base.With("operation", operation)
	return child
}

// Request returns a derived logger starting a brand new correlation id,
// trace id, and span id -- used at the entry point of handling one inbound
// message or request.
func (l *Logger) Request() *Logger {
	return &Logger{
		base:          l.base,
		nc:            l.nc,
		service:       l.service,
		component:     l.component,
		correlationID: newID(8),
		traceID:       newID(16),
		spanID:        newID(8),
	}
}

// WithTraceIDs returns a derived logger carrying explicit trace/span ids,
// used when a Dispatcher extracts an incoming W3C trace context.
func (l *Logger) WithTraceIDs(traceID, spanID string) *Logger {
	return &Logger{
		base:          l.base,
		nc:            l.nc,
		service:       l.service,
		component:     l.component,
		correlationID: l.correlationID,
		traceID:       traceID,
		spanID:        spanID,
	}
}

// WithRequestIDs returns a derived logger carrying an explicit correlation
// id alongside explicit trace/span ids. correlationID falls back to a fresh
// one when empty, matching the convention Request() uses.
func (l *Logger) WithRequestIDs(correlationID, traceID, spanID string) *Logger {
	if correlationID == "" {
		correlationID = newID(8)
	}
	return &Logger{
		base:          l.base,
		nc:            l.nc,
		service:       l.service,
		component:     l.component,
		correlationID: correlationID,
		traceID:       traceID,
		spanID:        spanID,
	}
}

// CorrelationID returns this logger's correlation id.
func (l *Logger) CorrelationID() string { return l.correlationID }

func (l *Logger) attrs() []any {
	attrs := []any{"correlation_id", l.correlationID}
	if l.traceID != "" {
		attrs = append(attrs, "trace_id", l.traceID)
	}
	if l.spanID != "" {
		attrs = append(attrs, "span_id", l.spanID)
	}
	return attrs
}

func (l *Logger) Debug(msg string, args ...any) { l.log(context.Background(), LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)   { l.log(context.Background(), LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)   { l.log(context.Background(), LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any)  { l.log(context.Background(), LevelError, msg, args...) }

// ErrorErr logs msg at error level with err attached as an attribute.
func (l *Logger) ErrorErr(msg string, err error, args ...any) {
	l.log(context.Background(), LevelError, msg, append(args, "error", err)...)
}

func (l *Logger) log(ctx context.Context, level Level, msg string, args ...any) {
	if level < CurrentLevel() {
		return
	}
	l.base.Log(ctx, level, msg, append(l.attrs(), args...)...)
	l.fanout(level, msg)
}

// fanout publishes the log record to NATS if a connection was configured.
// Failures here are swallowed locally: the fanout is best-effort and must
// never affect the calling handler's control flow.
func (l *Logger) fanout(level Level, msg string) {
	nc := l.nc
	if nc == nil {
		return
	}

	e := entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Level:         levelName(level),
		Service:       l.service,
		Component:     l.component,
		CorrelationID: l.correlationID,
		TraceID:       l.traceID,
		SpanID:        l.spanID,
		Message:       msg,
	}

	data, err := json.Marshal(e)
	if err != nil {
		l.base.Error("failed to marshal log entry for fanout", "error", err)
		return
	}

	subject := fmt.Sprintf("logs.%s.%s", l.correlationID, l.component)
	if err := nc.Publish(subject, data); err != nil {
		l.base.Error("failed to publish log fanout", "error", err, "subject", subject)
	}
}

func levelName(l Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= LevelDebug:
		return "DEBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARN"
	case l <= LevelError:
		return "ERROR"
	default:
		return "CRITICAL"
	}
}
