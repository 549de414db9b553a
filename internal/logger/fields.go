package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// These keys are designed to be service-agnostic across kv, query,
// search, analytics, and view operations. Use these keys consistently
// across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Service & Operation (service-agnostic)
	// ========================================================================
	KeyService        = "service"            // kv, query, search, analytics, views, mgmt
	KeyOperation      = "operation"          // Operation name: get, upsert, query, etc.
	KeyOperationID    = "operation_id"       // Opaque (KV) or client_context_id (HTTP)
	KeyBucket         = "bucket"             // Bucket / instance name
	KeyScope          = "scope"              // Scope name within the bucket
	KeyCollection     = "collection"         // Collection name within the scope
	KeyCollectionID   = "collection_id"      // Resolved 32-bit collection id
	KeyStatus         = "status"             // Operation status code (protocol-specific)
	KeyStatusMsg      = "status_msg"         // Human-readable status message
	KeyRetryReason    = "retry_reason"       // Reason the operation is being retried
	KeyRetryAttempt   = "retry_attempt"      // Retry attempt number
	KeyOrphan         = "orphan"             // "aborted" or "canceled" when a response arrives late
	KeyDurationMs     = "duration_ms"        // Operation duration in milliseconds
	KeyServerDuration = "server_duration_us" // Server-reported duration (microseconds)

	// ========================================================================
	// KV-specific
	// ========================================================================
	KeyKey        = "key"        // Document key
	KeyCAS        = "cas"        // Compare-and-swap token
	KeyVbucket    = "vbucket"    // Vbucket/partition index
	KeyNodeIndex  = "node_index" // Node index in the topology vector
	KeyOpaque     = "opaque"     // KV correlation id
	KeyDurability = "durability" // Requested durability level

	// ========================================================================
	// Connection / Session
	// ========================================================================
	KeySessionID    = "session_id"    // HTTP session id (UUID) or KV session id
	KeyConnectionID = "connection_id" // Connection identifier
	KeyLocalSocket  = "local_socket"  // Local ip:port
	KeyRemoteSocket = "remote_socket" // Remote ip:port

	// ========================================================================
	// Errors / Retries
	// ========================================================================
	KeyError     = "error"      // Error message
	KeyErrorCode = "error_code" // Numeric/symbolic error code
	KeyAttempt   = "attempt"    // Retry attempt number (generic)

	// ========================================================================
	// HTTP services
	// ========================================================================
	KeyMethod     = "method"      // HTTP method
	KeyPath       = "path"        // HTTP path
	KeyHTTPStatus = "http_status" // HTTP status code

	// ========================================================================
	// Reporter
	// ========================================================================
	KeyTotalCount  = "total_count"  // Total spans observed by a reporter cycle
	KeySampleSize  = "sample_size"  // Reporter top-N bound
	KeyDroppedSize = "dropped_size" // Entries dropped by the bounded queue
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Service returns a slog.Attr for the service name
func Service(name string) slog.Attr {
	return slog.String(KeyService, name)
}

// Operation returns a slog.Attr for the operation name
func Operation(name string) slog.Attr {
	return slog.String(KeyOperation, name)
}

// OperationID returns a slog.Attr for the opaque/client_context_id
func OperationID(id string) slog.Attr {
	return slog.String(KeyOperationID, id)
}

// Bucket returns a slog.Attr for the bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Collection returns a slog.Attr for "scope.collection"
func Collection(path string) slog.Attr {
	return slog.String(KeyCollection, path)
}

// Status returns a slog.Attr for operation status code
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// StatusMsg returns a slog.Attr for human-readable status message
func StatusMsg(msg string) slog.Attr {
	return slog.String(KeyStatusMsg, msg)
}

// RetryReason returns a slog.Attr for the retry reason
func RetryReason(reason string) slog.Attr {
	return slog.String(KeyRetryReason, reason)
}

// RetryAttempt returns a slog.Attr for the retry attempt count
func RetryAttempt(n int) slog.Attr {
	return slog.Int(KeyRetryAttempt, n)
}

// Orphan returns a slog.Attr marking a span as orphaned
func Orphan(reason string) slog.Attr {
	return slog.String(KeyOrphan, reason)
}

// Key returns a slog.Attr for a document key
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// CAS returns a slog.Attr for a CAS token
func CAS(cas uint64) slog.Attr {
	return slog.Uint64(KeyCAS, cas)
}

// Vbucket returns a slog.Attr for a vbucket index
func Vbucket(vb uint16) slog.Attr {
	return slog.Int(KeyVbucket, int(vb))
}

// NodeIndex returns a slog.Attr for a node index
func NodeIndex(idx int) slog.Attr {
	return slog.Int(KeyNodeIndex, idx)
}

// Opaque returns a slog.Attr for a KV opaque, formatted as hex
func Opaque(opaque uint32) slog.Attr {
	return slog.String(KeyOpaque, fmt.Sprintf("0x%08x", opaque))
}

// SessionID returns a slog.Attr for a session id
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// LocalSocket returns a slog.Attr for the local ip:port
func LocalSocket(addr string) slog.Attr {
	return slog.String(KeyLocalSocket, addr)
}

// RemoteSocket returns a slog.Attr for the remote ip:port
func RemoteSocket(addr string) slog.Attr {
	return slog.String(KeyRemoteSocket, addr)
}

// Error returns a slog.Attr for an error value
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a symbolic error code
func ErrorCode(code string) slog.Attr {
	return slog.String(KeyErrorCode, code)
}

// Attempt returns a slog.Attr for a generic retry attempt counter
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// HTTPMethod returns a slog.Attr for an HTTP method
func HTTPMethod(method string) slog.Attr {
	return slog.String(KeyMethod, method)
}

// HTTPPath returns a slog.Attr for an HTTP path
func HTTPPath(path string) slog.Attr {
	return slog.String(KeyPath, path)
}

// HTTPStatus returns a slog.Attr for an HTTP status code
func HTTPStatus(code int) slog.Attr {
	return slog.Int(KeyHTTPStatus, code)
}

// TotalCount returns a slog.Attr for a reporter's total observed count
func TotalCount(n int) slog.Attr {
	return slog.Int(KeyTotalCount, n)
}

// DurationMillis returns a slog.Attr for a duration in milliseconds
func DurationMillis(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
