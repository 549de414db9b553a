// Package kvdispatch wraps a typed KV request with the deadline timer,
// durability-timeout floor, collection-id resolution, and retry
// integration. It sits between the facade (which has already picked a
// vbucket and a session) and the session itself, which only knows how
// to correlate one frame to one callback.
package kvdispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cbclient/gocbcore/internal/logger"
	"github.com/cbclient/gocbcore/internal/memd"
	"github.com/cbclient/gocbcore/internal/retry"
	"github.com/cbclient/gocbcore/internal/telemetry"
	"github.com/cbclient/gocbcore/pkg/errs"
	"github.com/cbclient/gocbcore/pkg/metrics"
)

// durabilityFloor is the minimum server-side durability timeout, even
// when 0.9 of the remaining deadline would compute to less.
const durabilityFloor = 1500 * time.Millisecond

// collectionDeadlineFloor is the minimum remaining deadline a
// collection-id resolution retry needs in order to proceed; below it
// the operation fails with a timeout instead.
const collectionDeadlineFloor = 500 * time.Millisecond

// Request describes one KV operation dispatched over an already
// chosen session. Build constructs the wire packet once the
// collection id (if any) has been resolved and an opaque allocated.
type Request struct {
	Session *memd.Session
	// Build constructs the wire packet once a collection id (0 for the
	// default collection) and a fresh opaque are available. The
	// closure owns the document key and any op-specific extras/value.
	Build func(collectionID uint32, opaque uint32) memd.Packet

	Service       string // always "kv", carried for span/metric labels
	Bucket        string
	OperationName string
	OperationID   string // hex opaque is filled in after Build; pass "" and it is derived
	Idempotent    bool

	// Scope/Collection name the target collection. Both empty selects
	// the default collection, which never needs resolution.
	Scope      string
	Collection string

	Timeout    time.Duration
	Durability memd.DurabilityLevel

	// LocalID is the session id used for span/log tagging.
	LocalID string
}

// Dispatcher executes Requests against whatever session the caller
// selected, applying the retry loop.
type Dispatcher struct {
	strategy       retry.Strategy
	defaultTimeout time.Duration
	sf             singleflight.Group
}

// New builds a Dispatcher. defaultTimeout is the cluster-wide default
// applied when a Request carries no explicit Timeout.
func New(strategy retry.Strategy, defaultTimeout time.Duration) *Dispatcher {
	if strategy == nil {
		strategy = retry.NewBestEffortStrategy()
	}
	return &Dispatcher{strategy: strategy, defaultTimeout: defaultTimeout}
}

// Execute runs req to completion: resolving the collection, encoding
// and dispatching the packet, and retrying on a retryable status until
// success, a fatal status, or the deadline is exhausted.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (memd.Packet, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	timeout = effectiveTimeout(timeout, req.Durability)
	deadline := time.Now().Add(timeout)

	ctx, span := telemetry.StartOperationSpan(ctx, req.Service, req.Bucket, req.OperationName, req.OperationID)
	defer span.End()
	telemetry.TagSockets(span, req.Session.LocalAddr(), req.Session.RemoteAddr())
	telemetry.TagLocalID(span, req.LocalID)

	ec := errs.New(nil)
	ec.LastDispatchedFrom = req.Session.LocalAddr()

	for attempt := 0; ; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return memd.Packet{}, d.timeoutResult(req.Idempotent, ec)
		}

		collectionID, err := d.resolveCollection(ctx, req.Session, req.Scope, req.Collection, deadline)
		if err != nil {
			return memd.Packet{}, err
		}

		pkt := d.buildPacket(req, collectionID, remaining)

		ec.LastDispatchedTo = req.Session.RemoteAddr()
		ec.Opaque = pkt.Opaque
		if req.OperationID == "" {
			span.SetAttributes(attribute.String(telemetry.AttrOperationID, fmt.Sprintf("0x%08x", pkt.Opaque)))
		}

		opCtx, cancel := context.WithDeadline(ctx, deadline)
		start := time.Now()
		resp, dispatchErr := d.roundTrip(opCtx, req.Session, pkt)
		cancel()

		if dispatchErr != nil {
			isTimeout, terminal := d.handleDispatchError(dispatchErr, req, span)
			if isTimeout {
				return memd.Packet{}, d.timeoutResult(req.Idempotent, ec)
			}
			return memd.Packet{}, terminal
		}

		ec.KVStatus = uint16(resp.Status)

		if resp.Status == memd.StatusSuccess {
			if us, ok := memd.ParseServerDurationFrame(resp.FramingExtras); ok {
				telemetry.TagServerDuration(span, us)
			}
			metrics.RecordLatency(req.Service, req.OperationName, time.Since(start).Microseconds())
			return resp, nil
		}

		if resp.Status == memd.StatusUnknownCollection {
			req.Session.Collections().Invalidate(memd.CollectionPath(req.Scope, req.Collection))
		}

		reason := reasonForStatus(resp.Status, req.Session.ErrorMap(), pkt.Opcode)
		if reason == retry.ReasonDoNotRetry {
			return memd.Packet{}, fatalError(resp.Status, ec)
		}

		rOutcome := d.strategy.RetryAfter(retry.Request{Attempt: attempt, Idempotent: req.Idempotent}, reason)
		if !rOutcome.Retry {
			return memd.Packet{}, fatalError(resp.Status, ec)
		}
		// A status the error map describes with its own retry curve
		// overrides the strategy's generic backoff.
		if reason == retry.ReasonKVErrorMapRetryIndicated {
			if spec, ok := errorMapSpecFor(req.Session.ErrorMap(), resp.Status); ok {
				if d := spec.Delay(attempt); d > 0 {
					rOutcome.Delay = d
				}
			}
		}
		if !retry.WithinDeadline(time.Until(deadline), rOutcome.Delay) {
			return memd.Packet{}, d.timeoutResult(req.Idempotent, ec)
		}

		ec.RetryAttempts++
		ec.WithReason(string(reason))
		metrics.RecordRetry(req.Service, string(reason))
		logger.DebugCtx(ctx, "kv operation retrying",
			logger.Opaque(pkt.Opaque), logger.RetryReason(string(reason)), logger.Attempt(attempt+1))

		timer := time.NewTimer(rOutcome.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return memd.Packet{}, errs.New(errs.ErrRequestCanceled)
		}
	}
}

// handleDispatchError classifies a transport-level failure: the
// deadline firing after the frame was written ("aborted"), the user
// canceling the context ("canceled"), or a hard write/session error
// surfaced as-is. The first return value reports whether the caller
// should treat this as a timeout.
func (d *Dispatcher) handleDispatchError(err error, req Request, span trace.Span) (bool, error) {
	switch {
	case err == context.DeadlineExceeded:
		telemetry.TagOrphan(span, "aborted")
		metrics.RecordOrphan(req.Service, "aborted")
		return true, nil
	case err == context.Canceled:
		telemetry.TagOrphan(span, "canceled")
		metrics.RecordOrphan(req.Service, "canceled")
		return false, errs.New(errs.ErrRequestCanceled)
	default:
		return false, err
	}
}

// buildPacket constructs the wire packet for this attempt: a fresh
// opaque, the caller-provided body, and a durability frame when
// requested.
func (d *Dispatcher) buildPacket(req Request, collectionID uint32, remaining time.Duration) memd.Packet {
	opaque := req.Session.NextOpaque()
	pkt := req.Build(collectionID, opaque)
	if req.Durability != memd.DurabilityNone {
		pkt.WithDurabilityFrame(req.Durability, durabilityTimeoutMillis(remaining))
	}
	return pkt
}

// effectiveTimeout applies the durability floor to the operation
// timeout itself, so the deadline timer and the wire frame's
// server-side timeout agree: a durable write never runs under a
// sub-1500ms deadline.
func effectiveTimeout(timeout time.Duration, durability memd.DurabilityLevel) time.Duration {
	if durability != memd.DurabilityNone && timeout < durabilityFloor {
		return durabilityFloor
	}
	return timeout
}

// durabilityTimeoutMillis computes the server-side durability
// timeout: 0.9 of the remaining deadline, floored at 1500ms.
func durabilityTimeoutMillis(remaining time.Duration) uint16 {
	t := time.Duration(float64(remaining) * 0.9)
	if t < durabilityFloor {
		t = durabilityFloor
	}
	ms := t.Milliseconds()
	if ms > 0xffff {
		ms = 0xffff
	}
	return uint16(ms)
}

// resolveCollection returns the collection id for scope/collection,
// resolving it via GET_COLLECTION_ID on a cache miss. Concurrent
// misses for the same session+path are deduplicated with
// singleflight so only one resolution request hits the wire.
func (d *Dispatcher) resolveCollection(ctx context.Context, session *memd.Session, scope, collection string, deadline time.Time) (uint32, error) {
	if scope == "" && collection == "" {
		return 0, nil
	}
	if !session.Features().Has(memd.FeatureCollections) {
		return 0, errs.New(errs.ErrFeatureNotAvailable)
	}

	path := memd.CollectionPath(scope, collection)
	if id, ok := session.Collections().Lookup(path); ok {
		return id, nil
	}

	key := fmt.Sprintf("%p|%s", session, path)
	v, err, _ := d.sf.Do(key, func() (interface{}, error) {
		if id, ok := session.Collections().Lookup(path); ok {
			return id, nil
		}
		remaining := time.Until(deadline)
		if remaining < collectionDeadlineFloor {
			return uint32(0), errs.New(errs.ErrUnambiguousTimeout)
		}
		opCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		resp, err := d.roundTrip(opCtx, session, memd.NewGetCollectionID(path, session.NextOpaque()))
		if err != nil {
			return uint32(0), err
		}
		if resp.Status != memd.StatusSuccess {
			return uint32(0), errs.New(errs.ErrCollectionNotFound)
		}
		if len(resp.Extras) < 12 {
			return uint32(0), fmt.Errorf("kvdispatch: truncated GET_COLLECTION_ID response")
		}
		epoch := binary.BigEndian.Uint64(resp.Extras[0:8])
		id := binary.BigEndian.Uint32(resp.Extras[8:12])
		session.Collections().Store(path, id, epoch)
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

// roundTrip dispatches pkt and blocks for its response, translating a
// context cancellation into an in-flight Cancel on the session so the
// pending-table entry does not leak.
func (d *Dispatcher) roundTrip(ctx context.Context, session *memd.Session, pkt memd.Packet) (memd.Packet, error) {
	type result struct {
		pkt memd.Packet
		err error
	}
	ch := make(chan result, 1)
	if err := session.Dispatch(pkt, func(p memd.Packet, err error) {
		ch <- result{p, err}
	}); err != nil {
		return memd.Packet{}, err
	}

	select {
	case r := <-ch:
		return r.pkt, r.err
	case <-ctx.Done():
		session.Cancel(pkt.Opaque)
		return memd.Packet{}, ctx.Err()
	}
}

// timeoutResult builds the timeout error: unambiguous when the
// request is idempotent (a resend could not double-apply), ambiguous
// when a non-idempotent request may have been applied server-side.
func (d *Dispatcher) timeoutResult(idempotent bool, ec *errs.Context) error {
	if idempotent {
		ec.Cause = errs.ErrUnambiguousTimeout
	} else {
		ec.Cause = errs.ErrAmbiguousTimeout
	}
	return ec
}

// reasonForStatus maps a response status to its retry reason. A
// status with no static mapping falls through to the server error
// map's retry attribute.
func reasonForStatus(status memd.Status, em *memd.ErrorMap, opcode memd.Opcode) retry.Reason {
	switch status {
	case memd.StatusLocked:
		if opcode == memd.OpUnlock {
			return retry.ReasonDoNotRetry
		}
		return retry.ReasonKVLocked
	case memd.StatusTemporaryFailure:
		return retry.ReasonKVTemporaryFailure
	case memd.StatusSyncWriteInProgress:
		return retry.ReasonKVSyncWriteInProgress
	case memd.StatusSyncWriteReCommitInProgress:
		return retry.ReasonKVSyncWriteReCommitInProgress
	case memd.StatusNotMyVbucket:
		return retry.ReasonKVNotMyVbucket
	case memd.StatusUnknownCollection:
		return retry.ReasonKVCollectionOutdated
	}
	if em != nil {
		if entry, ok := em.Lookup(status); ok && entry.HasRetryAttribute() {
			return retry.ReasonKVErrorMapRetryIndicated
		}
	}
	return retry.ReasonDoNotRetry
}

// errorMapSpecFor extracts the error map's retry hint for status, if
// the entry carries one.
func errorMapSpecFor(em *memd.ErrorMap, status memd.Status) (retry.ErrorMapSpec, bool) {
	if em == nil {
		return retry.ErrorMapSpec{}, false
	}
	entry, ok := em.Lookup(status)
	if !ok || entry.Retry == nil {
		return retry.ErrorMapSpec{}, false
	}
	return retry.ErrorMapSpec{
		Strategy:    entry.Retry.Strategy,
		Interval:    time.Duration(entry.Retry.Interval) * time.Millisecond,
		After:       time.Duration(entry.Retry.After) * time.Millisecond,
		MaxDuration: time.Duration(entry.Retry.MaxDuration) * time.Millisecond,
	}, true
}

// fatalError maps a non-retryable status to its sentinel error kind
// and wraps it in ec for the caller.
func fatalError(status memd.Status, ec *errs.Context) error {
	ec.Cause = sentinelForStatus(status)
	return ec
}

func sentinelForStatus(status memd.Status) error {
	switch status {
	case memd.StatusKeyNotFound:
		return errs.ErrDocumentNotFound
	case memd.StatusKeyExists:
		return errs.ErrDocumentExists
	case memd.StatusNotStored:
		return errs.ErrDocumentNotFound
	case memd.StatusValueTooLarge:
		return errs.ErrValueTooLarge
	case memd.StatusLocked:
		return errs.ErrDocumentLocked
	case memd.StatusInvalidArgs:
		return errs.ErrInvalidArgument
	case memd.StatusNoBucket:
		return errs.ErrBucketNotFound
	case memd.StatusUnknownCollection:
		return errs.ErrCollectionNotFound
	case memd.StatusDurabilityInvalidLevel:
		return errs.ErrDurabilityLevelNotAvailable
	case memd.StatusDurabilityImpossible:
		return errs.ErrDurabilityImpossible
	case memd.StatusSyncWriteAmbiguous:
		return errs.ErrDurabilityAmbiguous
	case memd.StatusNotSupported, memd.StatusUnknownCommand:
		return errs.ErrUnsupportedOperation
	case memd.StatusSubDocPathNotFound:
		return errs.ErrPathNotFound
	case memd.StatusSubDocPathExists:
		return errs.ErrPathExists
	case memd.StatusSubDocPathMismatch:
		return errs.ErrPathMismatch
	case memd.StatusSubDocPathInvalid:
		return errs.ErrPathInvalid
	case memd.StatusSubDocPathTooBig:
		return errs.ErrPathTooBig
	case memd.StatusSubDocXattrInvalidKeyCombo:
		return errs.ErrXattrInvalidKeyCombo
	case memd.StatusSubDocXattrCannotModifyVattr:
		return errs.ErrXattrCannotModifyVattr
	case memd.StatusOutOfMemory, memd.StatusInternalError, memd.StatusBusy:
		return errs.ErrInternalServerFailure
	default:
		return errs.ErrInternalServerFailure
	}
}
