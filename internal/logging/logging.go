// Package logging provides structured logging built on logrus with
// request-scoped trace and identity fields.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	TraceIDKey contextKey = "trace_id"
	HandleKey  contextKey = "handle"
)

// Config configures a Logger.
type Config struct {
	Component string
	Level     string // debug|info|warn|error
	Format    string // json|text
	Output    io.Writer
}

// Logger wraps logrus with a fixed component field.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	l := logrus.New()
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	switch strings.ToLower(cfg.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &Logger{Logger: l, component: cfg.Component}
}

// NewDefault creates a JSON info-level logger for component.
func NewDefault(component string) *Logger {
	return New(Config{Component: component})
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = NewDefault("reflections")
	})
	return defaultLogger
}

// Named returns a logger sharing output and level with l under a new component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

func (l *Logger) base() *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)
	if l.component != "" {
		entry = entry.WithField("component", l.component)
	}
	return entry
}

// WithField shadows logrus so the component field is always present.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.base().WithField(key, value)
}

func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.base().WithFields(logrus.Fields(fields))
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.base().WithError(err)
}

// WithContext returns an entry carrying trace id and handle from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.base()
	if ctx == nil {
		return entry
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if handle := GetHandle(ctx); handle != "" {
		entry = entry.WithField("handle", handle)
	}
	return entry
}

// LogRequest records a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request completed")
	}
}

// LogSecurityEvent records an auth or abuse related event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).
		WithFields(logrus.Fields(fields)).
		WithField("security_event", event).
		Warn("security event")
}

// NewTraceID returns a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, HandleKey, handle)
}

func GetHandle(ctx context.Context) string {
	if v, ok := ctx.Value(HandleKey).(string); ok {
		return v
	}
	return ""
}
