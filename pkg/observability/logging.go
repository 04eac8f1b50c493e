package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// Fields carries structured attributes for a log entry
type Fields = map[string]interface{}

// Log lines go to stderr so they never interleave with the NDJSON
// event stream written to a response body or stdout.
var logOutput io.Writer = os.Stderr

// SetLogOutput sets the output destination for the structured logger.
func SetLogOutput(w io.Writer) {
	logOutput = w
}

// StructuredLogger provides structured logging with trace correlation
type StructuredLogger struct {
	output    io.Writer
	component string
	sessionID string
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(component string) *StructuredLogger {
	return &StructuredLogger{
		output:    logOutput,
		component: component,
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp  string   `json:"timestamp"`
	Severity   LogLevel `json:"severity"`
	Component  string   `json:"component"`
	Message    string   `json:"message"`
	SessionID  string   `json:"session_id,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
	SpanID     string   `json:"span_id,omitempty"`
	Attributes Fields   `json:"attributes,omitempty"`
}

// log writes one JSON line, correlating it with the active span.
func (l *StructuredLogger) log(ctx context.Context, level LogLevel, message string, attrs Fields) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Severity:   level,
		Component:  l.component,
		Message:    message,
		SessionID:  l.sessionID,
		Attributes: attrs,
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		entry.TraceID = sc.TraceID().String()
		entry.SpanID = sc.SpanID().String()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, "[%s] %s: %s\n", level, l.component, message)
		return
	}
	fmt.Fprintln(l.output, string(data))
}

func firstOf(attrs []Fields) Fields {
	if len(attrs) > 0 {
		return attrs[0]
	}
	return nil
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(ctx context.Context, message string, attrs ...Fields) {
	l.log(ctx, LogLevelDebug, message, firstOf(attrs))
}

// Info logs an info message
func (l *StructuredLogger) Info(ctx context.Context, message string, attrs ...Fields) {
	l.log(ctx, LogLevelInfo, message, firstOf(attrs))
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(ctx context.Context, message string, attrs ...Fields) {
	l.log(ctx, LogLevelWarn, message, firstOf(attrs))
}

// Error logs an error message, folding err into the attributes. The
// caller's map is copied, not written to.
func (l *StructuredLogger) Error(ctx context.Context, message string, err error, attrs ...Fields) {
	given := firstOf(attrs)
	attributes := make(Fields, len(given)+1)
	for k, v := range given {
		attributes[k] = v
	}
	if err != nil {
		attributes["error"] = err.Error()
	}
	l.log(ctx, LogLevelError, message, attributes)
}

// WithComponent creates a new logger with a different component name
func (l *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		output:    l.output,
		component: component,
		sessionID: l.sessionID,
	}
}

// WithSession creates a new logger that stamps every entry with the
// session id, so concurrent sessions can be untangled in the log.
func (l *StructuredLogger) WithSession(sessionID string) *StructuredLogger {
	return &StructuredLogger{
		output:    l.output,
		component: l.component,
		sessionID: sessionID,
	}
}

// Logger interface for dependency injection
type Logger interface {
	Debug(ctx context.Context, message string, attrs ...Fields)
	Info(ctx context.Context, message string, attrs ...Fields)
	Warn(ctx context.Context, message string, attrs ...Fields)
	Error(ctx context.Context, message string, err error, attrs ...Fields)
}
