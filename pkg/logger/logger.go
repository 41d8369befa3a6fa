package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

// Context keys read by WithContext
const (
	RequestIDKey contextKey = "request_id"
	PrincipalKey contextKey = "principal"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing to out
func NewWithOutput(level string, out io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)

	return &Logger{Logger: log}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewWithOutput("panic", io.Discard)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithPrincipal creates a new logger entry with the acting principal
func (l *Logger) WithPrincipal(principal string) *logrus.Entry {
	return l.Logger.WithField("principal", principal)
}

// WithContext creates a logger entry carrying request, principal and trace ids
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		entry = entry.WithFields(logrus.Fields{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}
	if principal := ctx.Value(PrincipalKey); principal != nil {
		entry = entry.WithField("principal", principal)
	}

	return entry
}

// Audit logs a client-side view of an access-relevant event. The ledger audit
// log stays the source of truth.
func (l *Logger) Audit(ctx context.Context, actor, subject, action, target string, success bool) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"audit":   true,
		"actor":   actor,
		"subject": subject,
		"action":  action,
		"target":  target,
		"success": success,
	})

	if success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event failed")
	}
}

// PHIAccess logs an attempt to dereference a patient's record
func (l *Logger) PHIAccess(ctx context.Context, provider, patient, recordID string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"phi_access": true,
		"provider":   provider,
		"patient":    patient,
		"record_id":  recordID,
		"success":    success,
		"details":    details,
		"sensitive":  true,
	})

	if success {
		entry.Info("PHI access granted")
	} else {
		entry.Warn("PHI access denied")
	}
}

// LedgerTransaction logs a submitted ledger transaction. Arguments are not
// logged since they may carry metadata.
func (l *Logger) LedgerTransaction(ctx context.Context, function, txID string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"ledger":         true,
		"function":       function,
		"transaction_id": txID,
		"success":        success,
		"details":        details,
	})

	if success {
		entry.Info("Ledger transaction confirmed")
	} else {
		entry.Warn("Ledger transaction failed")
	}
}

// ContentOperation logs a content store call
func (l *Logger) ContentOperation(ctx context.Context, operation, cid string, size int, durationMs int64, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"content_store": true,
		"operation":     operation,
		"cid":           cid,
		"size":          size,
		"duration_ms":   durationMs,
	})

	if err != nil {
		entry.WithError(err).Warn("Content store operation failed")
	} else {
		entry.Debug("Content store operation completed")
	}
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, clientIP string, statusCode int, duration int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
	})

	if statusCode >= 500 {
		entry.Error("HTTP request failed")
	} else if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}
