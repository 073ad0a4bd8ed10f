// Package observability provides unified logging and metrics capabilities
// for the querycache components. Components accept these interfaces in
// their constructors and default to working implementations when nil.
package observability

import "time"

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger defines the interface for structured logging
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	// WithPrefix returns a logger scoped to the given component prefix
	WithPrefix(prefix string) Logger
}

// MetricsClient defines the interface for recording metrics
type MetricsClient interface {
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)
	Close() error
}

// NewLogger creates the default logger for the given component prefix
func NewLogger(prefix string) Logger {
	return NewStandardLogger(prefix)
}

// NewMetricsClient creates the default (no-op) metrics client
func NewMetricsClient() MetricsClient {
	return &noopMetricsClient{}
}
