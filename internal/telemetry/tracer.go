package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys recorded against every dispatched operation.
// These mirror the fields carried on a span record for reporting
// purposes (service, instance, operation id, socket pair, durations,
// orphan flag).
const (
	AttrService        = "service"         // kv, query, search, analytics, views, mgmt
	AttrInstance       = "instance"        // bucket name
	AttrOperationID    = "operation_id"    // hex opaque (KV) or client_context_id (HTTP)
	AttrOperationName  = "operation_name"  // get, upsert, query, etc.
	AttrLocalSocket    = "local_socket"    // local ip:port
	AttrRemoteSocket   = "remote_socket"   // remote ip:port
	AttrLocalID        = "local_id"        // session id
	AttrServerDuration = "server_duration" // server-reported duration, microseconds
	AttrOrphan         = "orphan"          // "aborted" (deadline fired) or "canceled" (user canceled)
)

// StartOperationSpan starts a span for a dispatched operation and
// tags it with the required attributes set at dispatch time. Callers
// add AttrServerDuration or AttrOrphan once the outcome is known.
func StartOperationSpan(ctx context.Context, service, instance, operationName, operationID string) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, operationName,
		trace.WithAttributes(
			attribute.String(AttrService, service),
			attribute.String(AttrInstance, instance),
			attribute.String(AttrOperationName, operationName),
			attribute.String(AttrOperationID, operationID),
		),
	)
	return ctx, span
}

// TagSockets records the local/remote socket pair the operation was
// dispatched over.
func TagSockets(span trace.Span, local, remote string) {
	span.SetAttributes(
		attribute.String(AttrLocalSocket, local),
		attribute.String(AttrRemoteSocket, remote),
	)
}

// TagLocalID records the session id that carried the operation.
func TagLocalID(span trace.Span, localID string) {
	span.SetAttributes(attribute.String(AttrLocalID, localID))
}

// TagServerDuration records the server-reported duration, in
// microseconds, once a success response carries one.
func TagServerDuration(span trace.Span, microseconds uint64) {
	span.SetAttributes(attribute.Int64(AttrServerDuration, int64(microseconds)))
}

// TagOrphan marks a span as orphaned: "aborted" when the deadline
// fired after the frame was already written, "canceled" when the
// user canceled the operation.
func TagOrphan(span trace.Span, reason string) {
	span.SetAttributes(attribute.String(AttrOrphan, reason))
}
