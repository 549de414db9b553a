package gocbcore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cbclient/gocbcore/internal/kvdispatch"
	"github.com/cbclient/gocbcore/internal/memd"
	"github.com/cbclient/gocbcore/internal/reporter"
	"github.com/cbclient/gocbcore/internal/topology"
	"github.com/cbclient/gocbcore/pkg/errs"
)

// maxKeyLength is the longest document key the protocol accepts.
const maxKeyLength = 250

// DurabilityLevel is the write-persistence guarantee requested with a
// mutation.
type DurabilityLevel uint8

const (
	DurabilityNone DurabilityLevel = iota
	DurabilityMajority
	DurabilityMajorityAndPersistToActive
	DurabilityPersistToMajority
)

func (d DurabilityLevel) toWire() memd.DurabilityLevel {
	switch d {
	case DurabilityMajority:
		return memd.DurabilityMajority
	case DurabilityMajorityAndPersistToActive:
		return memd.DurabilityMajorityAndPersistActive
	case DurabilityPersistToMajority:
		return memd.DurabilityPersistToMajority
	default:
		return memd.DurabilityNone
	}
}

// KeyOptions address one document and carry the per-operation knobs
// shared by every KV call.
type KeyOptions struct {
	Key []byte

	// Scope/Collection name the target collection; both empty selects
	// the default collection.
	Scope      string
	Collection string

	// Timeout overrides the configured KV default for this operation.
	Timeout time.Duration

	// Durability applies to mutations only.
	Durability DurabilityLevel
}

// MutationToken identifies a mutation's position in its vbucket's
// history, for consistency tokens handed to the query service.
type MutationToken struct {
	VbID   uint16
	VbUUID uint64
	SeqNo  uint64
}

// GetResult is a fetched document.
type GetResult struct {
	Value    []byte
	Flags    uint32
	Cas      uint64
	Datatype uint8
}

// MutationResult is the outcome of a successful mutation.
type MutationResult struct {
	Cas   uint64
	Token MutationToken
}

// CounterResult is the outcome of an increment/decrement.
type CounterResult struct {
	Value uint64
	Cas   uint64
	Token MutationToken
}

// kvOp carries everything kvExecute needs to route and dispatch one
// operation.
type kvOp struct {
	opts          KeyOptions
	operationName string
	idempotent    bool
	replicaIndex  int // -1 targets the active node
	build         func(ck memd.CollectionKey, vbucket uint16, opaque uint32) memd.Packet
}

// kvExecute routes op via the vbucket map, dispatches it on the
// owning node's session, and feeds the reporters.
func (a *Agent) kvExecute(ctx context.Context, op kvOp) (memd.Packet, error) {
	if len(op.opts.Key) == 0 || len(op.opts.Key) > maxKeyLength {
		return memd.Packet{}, errs.New(errs.ErrInvalidArgument)
	}

	snap, err := a.snapshot()
	if err != nil {
		return memd.Packet{}, err
	}
	if len(snap.VBucketMap) == 0 {
		return memd.Packet{}, errs.New(errs.ErrServiceNotAvailable)
	}

	vb := topologyVBucket(snap, op.opts.Key)
	var nodeIndex int
	if op.replicaIndex < 0 {
		nodeIndex = snap.ActiveNode(int(vb))
	} else {
		nodeIndex = snap.ReplicaNode(int(vb), op.replicaIndex)
	}
	if nodeIndex < 0 {
		return memd.Packet{}, errs.New(errs.ErrServiceNotAvailable)
	}

	ep, err := a.endpointForNode(snap, nodeIndex)
	if err != nil {
		return memd.Packet{}, err
	}

	if op.opts.Durability != DurabilityNone &&
		!ep.session.Features().Has(memd.FeatureSyncReplication) {
		return memd.Packet{}, errs.New(errs.ErrDurabilityLevelNotAvailable)
	}

	ep.touch()

	a.mu.RLock()
	bucket := a.bucket
	a.mu.RUnlock()

	start := time.Now()
	resp, execErr := a.dispatcher.Execute(ctx, kvRequest(op, ep, bucket, vb))
	a.recordKVSpan(op, ep, resp, execErr, time.Since(start))
	return resp, execErr
}

func kvRequest(op kvOp, ep *kvEndpoint, bucket string, vb uint16) kvdispatch.Request {
	return kvdispatch.Request{
		Session: ep.session,
		Build: func(collectionID, opaque uint32) memd.Packet {
			return op.build(memd.CollectionKey{CollectionID: collectionID, Key: op.opts.Key}, vb, opaque)
		},
		Service:       "kv",
		Bucket:        bucket,
		OperationName: op.operationName,
		Idempotent:    op.idempotent,
		Scope:         op.opts.Scope,
		Collection:    op.opts.Collection,
		Timeout:       op.opts.Timeout,
		Durability:    op.opts.Durability.toWire(),
		LocalID:       ep.localID,
	}
}

// recordKVSpan feeds the threshold reporter with every completion and
// the orphan reporter with timeouts (the frame was written but its
// response never made it back in time).
func (a *Agent) recordKVSpan(op kvOp, ep *kvEndpoint, resp memd.Packet, execErr error, elapsed time.Duration) {
	rec := reporter.SpanRecord{
		ConnectionID:     ep.localID,
		OperationID:      fmt.Sprintf("0x%08x", resp.Opaque),
		LastLocalSocket:  ep.session.LocalAddr(),
		LastRemoteSocket: ep.session.RemoteAddr(),
		TotalMicros:      uint64(elapsed.Microseconds()),
		OperationName:    op.operationName,
		Service:          "kv",
	}
	if us, ok := memd.ParseServerDurationFrame(resp.FramingExtras); ok {
		rec.LastServerMicros = us
		rec.TotalServerMicros = us
	}

	a.thresholds.RecordSpan(rec)
	if errors.Is(execErr, errs.ErrAmbiguousTimeout) || errors.Is(execErr, errs.ErrUnambiguousTimeout) {
		a.orphans.AddOrphan(rec)
	}
}

func topologyVBucket(snap *topology.Config, key []byte) uint16 {
	return uint16(topology.VBucketForKey(key, len(snap.VBucketMap)))
}

// parseMutationToken decodes the 16-byte vbuuid+seqno extras carried
// on mutation responses when mutation-seqno was negotiated.
func parseMutationToken(extras []byte, vb uint16) MutationToken {
	if len(extras) < 16 {
		return MutationToken{VbID: vb}
	}
	return MutationToken{
		VbID:   vb,
		VbUUID: binary.BigEndian.Uint64(extras[0:8]),
		SeqNo:  binary.BigEndian.Uint64(extras[8:16]),
	}
}

// Get fetches a document.
func (a *Agent) Get(ctx context.Context, opts KeyOptions) (GetResult, error) {
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: "get",
		idempotent:    true,
		replicaIndex:  -1,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			return memd.NewGet(ck, vb, opaque)
		},
	})
	if err != nil {
		return GetResult{}, err
	}
	return getResultFrom(resp), nil
}

// GetReplica fetches a document from the given replica (0-based).
func (a *Agent) GetReplica(ctx context.Context, opts KeyOptions, replicaIndex int) (GetResult, error) {
	if replicaIndex < 0 {
		return GetResult{}, errs.New(errs.ErrInvalidArgument)
	}
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: "get_replica",
		idempotent:    true,
		replicaIndex:  replicaIndex,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			return memd.NewGet(ck, vb, opaque)
		},
	})
	if err != nil {
		return GetResult{}, err
	}
	return getResultFrom(resp), nil
}

func getResultFrom(resp memd.Packet) GetResult {
	r := GetResult{Value: resp.Value, Cas: resp.Cas, Datatype: resp.DataType}
	if len(resp.Extras) >= 4 {
		r.Flags = binary.BigEndian.Uint32(resp.Extras[0:4])
	}
	return r
}

// Upsert stores value under opts.Key, creating or replacing it.
func (a *Agent) Upsert(ctx context.Context, opts KeyOptions, value []byte, flags, expiry uint32) (MutationResult, error) {
	return a.mutate(ctx, opts, "upsert", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewUpsert(ck, value, flags, expiry, 0, vb, opaque)
	})
}

// Insert stores value only if opts.Key does not already exist.
func (a *Agent) Insert(ctx context.Context, opts KeyOptions, value []byte, flags, expiry uint32) (MutationResult, error) {
	return a.mutate(ctx, opts, "insert", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewInsert(ck, value, flags, expiry, vb, opaque)
	})
}

// Replace stores value only if opts.Key exists; a non-zero cas must
// additionally match the current document version.
func (a *Agent) Replace(ctx context.Context, opts KeyOptions, value []byte, flags, expiry uint32, cas uint64) (MutationResult, error) {
	res, err := a.mutate(ctx, opts, "replace", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewReplace(ck, value, flags, expiry, cas, vb, opaque)
	})
	return res, translateCasMismatch(err, cas)
}

// Remove deletes opts.Key; a non-zero cas must match.
func (a *Agent) Remove(ctx context.Context, opts KeyOptions, cas uint64) (MutationResult, error) {
	res, err := a.mutate(ctx, opts, "remove", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewRemove(ck, cas, vb, opaque)
	})
	return res, translateCasMismatch(err, cas)
}

// Append concatenates value to the end of an existing document.
func (a *Agent) Append(ctx context.Context, opts KeyOptions, value []byte, cas uint64) (MutationResult, error) {
	return a.mutate(ctx, opts, "append", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewAppend(ck, value, cas, vb, opaque)
	})
}

// Prepend concatenates value to the start of an existing document.
func (a *Agent) Prepend(ctx context.Context, opts KeyOptions, value []byte, cas uint64) (MutationResult, error) {
	return a.mutate(ctx, opts, "prepend", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewPrepend(ck, value, cas, vb, opaque)
	})
}

// Touch updates a document's expiry without fetching it.
func (a *Agent) Touch(ctx context.Context, opts KeyOptions, expiry uint32) (MutationResult, error) {
	return a.mutate(ctx, opts, "touch", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewTouch(ck, expiry, vb, opaque)
	})
}

// GetAndTouch fetches a document while also updating its expiry.
func (a *Agent) GetAndTouch(ctx context.Context, opts KeyOptions, expiry uint32) (GetResult, error) {
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: "get_and_touch",
		replicaIndex:  -1,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			return memd.NewGetAndTouch(ck, expiry, vb, opaque)
		},
	})
	if err != nil {
		return GetResult{}, err
	}
	return getResultFrom(resp), nil
}

// GetAndLock fetches a document and acquires a pessimistic lock for
// lockTimeSeconds. The returned CAS unlocks it.
func (a *Agent) GetAndLock(ctx context.Context, opts KeyOptions, lockTimeSeconds uint32) (GetResult, error) {
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: "get_and_lock",
		replicaIndex:  -1,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			return memd.NewGetAndLock(ck, lockTimeSeconds, vb, opaque)
		},
	})
	if err != nil {
		return GetResult{}, err
	}
	return getResultFrom(resp), nil
}

// Unlock releases a lock acquired by GetAndLock; cas must be the CAS
// the lock returned.
func (a *Agent) Unlock(ctx context.Context, opts KeyOptions, cas uint64) error {
	_, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: "unlock",
		replicaIndex:  -1,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			return memd.NewUnlock(ck, cas, vb, opaque)
		},
	})
	return err
}

// Increment adds delta to a counter document, seeding it with initial
// if absent.
func (a *Agent) Increment(ctx context.Context, opts KeyOptions, delta, initial uint64, expiry uint32) (CounterResult, error) {
	return a.counter(ctx, opts, "increment", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewIncrement(ck, delta, initial, expiry, vb, opaque)
	})
}

// Decrement subtracts delta from a counter document, seeding it with
// initial if absent.
func (a *Agent) Decrement(ctx context.Context, opts KeyOptions, delta, initial uint64, expiry uint32) (CounterResult, error) {
	return a.counter(ctx, opts, "decrement", func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
		return memd.NewDecrement(ck, delta, initial, expiry, vb, opaque)
	})
}

func (a *Agent) mutate(ctx context.Context, opts KeyOptions, name string, build func(memd.CollectionKey, uint16, uint32) memd.Packet) (MutationResult, error) {
	var vbOut uint16
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: name,
		replicaIndex:  -1,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			vbOut = vb
			return build(ck, vb, opaque)
		},
	})
	if err != nil {
		return MutationResult{}, err
	}
	return MutationResult{Cas: resp.Cas, Token: parseMutationToken(resp.Extras, vbOut)}, nil
}

func (a *Agent) counter(ctx context.Context, opts KeyOptions, name string, build func(memd.CollectionKey, uint16, uint32) memd.Packet) (CounterResult, error) {
	var vbOut uint16
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: name,
		replicaIndex:  -1,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			vbOut = vb
			return build(ck, vb, opaque)
		},
	})
	if err != nil {
		return CounterResult{}, err
	}
	var value uint64
	if len(resp.Value) >= 8 {
		value = binary.BigEndian.Uint64(resp.Value[0:8])
	}
	return CounterResult{Value: value, Cas: resp.Cas, Token: parseMutationToken(resp.Extras, vbOut)}, nil
}

// translateCasMismatch maps document_exists to cas_mismatch when the
// caller supplied a CAS: the server reports a stale compare as
// key-exists, which reads wrong for a replace/remove.
func translateCasMismatch(err error, cas uint64) error {
	if cas == 0 || err == nil {
		return err
	}
	if errors.Is(err, errs.ErrDocumentExists) {
		var ec *errs.Context
		if errors.As(err, &ec) {
			ec.Cause = errs.ErrCasMismatch
			return ec
		}
		return errs.New(errs.ErrCasMismatch)
	}
	return err
}
