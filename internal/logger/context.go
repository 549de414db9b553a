package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds operation-scoped logging context. It is threaded
// through a dispatched operation (KV or HTTP) so that every log line
// emitted along the way carries the same correlating fields.
type LogContext struct {
	TraceID      string    // OpenTelemetry trace ID
	SpanID       string    // OpenTelemetry span ID
	Service      string    // kv, query, search, analytics, views, mgmt
	OperationID  string    // opaque (KV) or client_context_id (HTTP)
	Bucket       string    // bucket / instance name
	Collection   string    // "scope.collection"
	LocalSocket  string    // local ip:port of the session handling this op
	RemoteSocket string    // remote ip:port of the session handling this op
	RetryReason  string    // last retry reason recorded against this op
	StartTime    time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for an operation against the
// given service.
func NewLogContext(service string) *LogContext {
	return &LogContext{
		Service:   service,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithOperation returns a copy with the service and operation id set
func (lc *LogContext) WithOperation(service, operationID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Service = service
		clone.OperationID = operationID
	}
	return clone
}

// WithBucket returns a copy with the bucket and collection set
func (lc *LogContext) WithBucket(bucket, collection string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Bucket = bucket
		clone.Collection = collection
	}
	return clone
}

// WithSockets returns a copy with the local/remote socket pair set
func (lc *LogContext) WithSockets(local, remote string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.LocalSocket = local
		clone.RemoteSocket = remote
	}
	return clone
}

// WithRetryReason returns a copy with the retry reason set
func (lc *LogContext) WithRetryReason(reason string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RetryReason = reason
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
