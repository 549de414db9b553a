package gocbcore

import (
	"context"

	"github.com/cbclient/gocbcore/internal/memd"
	"github.com/cbclient/gocbcore/pkg/errs"
)

// SubDocOp identifies one sub-document path operation.
type SubDocOp uint8

const (
	SubDocGet SubDocOp = iota
	SubDocExists
	SubDocDictAdd
	SubDocDictUpsert
	SubDocReplace
	SubDocRemove
	SubDocCounter
	SubDocArrayPushFirst
	SubDocArrayPushLast
	SubDocArrayInsert
	SubDocArrayAddUnique
	SubDocGetDoc
	SubDocSetDoc
	SubDocRemoveDoc
	SubDocGetCount
)

func (op SubDocOp) toWire() (memd.Opcode, bool) {
	switch op {
	case SubDocGet:
		return memd.OpSubDocGet, true
	case SubDocExists:
		return memd.OpSubDocExists, true
	case SubDocDictAdd:
		return memd.OpSubDocDictAdd, true
	case SubDocDictUpsert:
		return memd.OpSubDocDictUpsert, true
	case SubDocReplace:
		return memd.OpSubDocReplace, true
	case SubDocRemove:
		return memd.OpSubDocDelete, true
	case SubDocCounter:
		return memd.OpSubDocCounter, true
	case SubDocArrayPushFirst:
		return memd.OpSubDocArrayPushFirst, true
	case SubDocArrayPushLast:
		return memd.OpSubDocArrayPushLast, true
	case SubDocArrayInsert:
		return memd.OpSubDocArrayInsert, true
	case SubDocArrayAddUnique:
		return memd.OpSubDocArrayAddUnique, true
	case SubDocGetDoc:
		return memd.OpGet, true
	case SubDocSetDoc:
		return memd.OpSet, true
	case SubDocRemoveDoc:
		return memd.OpDelete, true
	case SubDocGetCount:
		return memd.OpSubDocGetCount, true
	default:
		return 0, false
	}
}

// LookupInSpec is one path to read within a document.
type LookupInSpec struct {
	Op    SubDocOp
	Path  string
	Xattr bool
}

// MutateInSpec is one path to mutate within a document.
type MutateInSpec struct {
	Op            SubDocOp
	Path          string
	Value         []byte
	Xattr         bool
	CreateParents bool
	ExpandMacros  bool
}

// DocFlags carry whole-document behavior on a MutateIn.
type DocFlags uint8

const (
	DocFlagMkDoc DocFlags = 1 << iota
	DocFlagAdd
	DocFlagAccessDeleted
	DocFlagCreateAsDeleted
	DocFlagReviveDocument
)

func (f DocFlags) toWire() memd.SubDocDocFlag {
	var out memd.SubDocDocFlag
	if f&DocFlagMkDoc != 0 {
		out |= memd.SubDocDocFlagMkDoc
	}
	if f&DocFlagAdd != 0 {
		out |= memd.SubDocDocFlagAdd
	}
	if f&DocFlagAccessDeleted != 0 {
		out |= memd.SubDocDocFlagAccessDeleted
	}
	if f&DocFlagCreateAsDeleted != 0 {
		out |= memd.SubDocDocFlagCreateAsDeleted
	}
	if f&DocFlagReviveDocument != 0 {
		out |= memd.SubDocDocFlagReviveDocument
	}
	return out
}

// SubDocResult is one path's outcome within a multi-path response.
// Err is nil when the path succeeded; Value holds the path's content
// for read operations.
type SubDocResult struct {
	Err   error
	Value []byte
}

// LookupInResult is the outcome of a LookupIn.
type LookupInResult struct {
	Cas     uint64
	Results []SubDocResult
}

// Exists reports whether the path at index succeeded (its Err is nil).
// An out-of-range index is simply absent, not an error.
func (r *LookupInResult) Exists(index int) bool {
	return index >= 0 && index < len(r.Results) && r.Results[index].Err == nil
}

// MutateInResult is the outcome of a MutateIn.
type MutateInResult struct {
	Cas   uint64
	Token MutationToken
}

func encodeLookupSpecs(specs []LookupInSpec) ([]memd.SubDocSpec, error) {
	out := make([]memd.SubDocSpec, 0, len(specs))
	for _, s := range specs {
		opcode, ok := s.Op.toWire()
		if !ok {
			return nil, errs.New(errs.ErrInvalidArgument)
		}
		var flags memd.SubDocPathFlag
		if s.Xattr {
			flags |= memd.SubDocFlagXattr
		}
		out = append(out, memd.SubDocSpec{Opcode: opcode, Flags: flags, Path: s.Path})
	}
	return out, nil
}

func encodeMutateSpecs(specs []MutateInSpec) ([]memd.SubDocSpec, error) {
	out := make([]memd.SubDocSpec, 0, len(specs))
	for _, s := range specs {
		opcode, ok := s.Op.toWire()
		if !ok {
			return nil, errs.New(errs.ErrInvalidArgument)
		}
		var flags memd.SubDocPathFlag
		if s.Xattr {
			flags |= memd.SubDocFlagXattr
		}
		if s.CreateParents {
			flags |= memd.SubDocFlagCreateParents
		}
		if s.ExpandMacros {
			flags |= memd.SubDocFlagExpandMacros
		}
		out = append(out, memd.SubDocSpec{Opcode: opcode, Flags: flags, Path: s.Path, Value: s.Value})
	}
	return out, nil
}

func subDocError(status memd.Status) error {
	switch status {
	case memd.StatusSuccess:
		return nil
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
	default:
		return errs.ErrInternalServerFailure
	}
}

// LookupIn reads multiple paths of one document in a single round
// trip. Path-level misses are reported per result, not as an
// operation error.
func (a *Agent) LookupIn(ctx context.Context, opts KeyOptions, specs []LookupInSpec) (LookupInResult, error) {
	wire, err := encodeLookupSpecs(specs)
	if err != nil {
		return LookupInResult{}, err
	}
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: "lookup_in",
		idempotent:    true,
		replicaIndex:  -1,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			return memd.NewMultiLookup(ck, wire, 0, vb, opaque)
		},
	})
	if err != nil {
		return LookupInResult{}, err
	}
	return decodeLookupResult(resp)
}

// LookupInReplica is LookupIn served by the given replica (0-based).
func (a *Agent) LookupInReplica(ctx context.Context, opts KeyOptions, specs []LookupInSpec, replicaIndex int) (LookupInResult, error) {
	if replicaIndex < 0 {
		return LookupInResult{}, errs.New(errs.ErrInvalidArgument)
	}
	wire, err := encodeLookupSpecs(specs)
	if err != nil {
		return LookupInResult{}, err
	}
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: "lookup_in_replica",
		idempotent:    true,
		replicaIndex:  replicaIndex,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			return memd.NewMultiLookup(ck, wire, 0, vb, opaque)
		},
	})
	if err != nil {
		return LookupInResult{}, err
	}
	return decodeLookupResult(resp)
}

func decodeLookupResult(resp memd.Packet) (LookupInResult, error) {
	decoded, err := memd.DecodeMultiLookupResults(resp.Value)
	if err != nil {
		return LookupInResult{}, errs.New(errs.ErrParsingFailure)
	}
	out := LookupInResult{Cas: resp.Cas, Results: make([]SubDocResult, len(decoded))}
	for i, d := range decoded {
		out.Results[i] = SubDocResult{Err: subDocError(d.Status), Value: d.Value}
	}
	return out, nil
}

// MutateIn applies multiple path mutations to one document
// atomically.
func (a *Agent) MutateIn(ctx context.Context, opts KeyOptions, specs []MutateInSpec, docFlags DocFlags, expiry uint32, cas uint64) (MutateInResult, error) {
	wire, err := encodeMutateSpecs(specs)
	if err != nil {
		return MutateInResult{}, err
	}
	var vbOut uint16
	resp, err := a.kvExecute(ctx, kvOp{
		opts:          opts,
		operationName: "mutate_in",
		replicaIndex:  -1,
		build: func(ck memd.CollectionKey, vb uint16, opaque uint32) memd.Packet {
			vbOut = vb
			return memd.NewMultiMutation(ck, wire, docFlags.toWire(), expiry, cas, vb, opaque)
		},
	})
	if err != nil {
		return MutateInResult{}, translateCasMismatch(err, cas)
	}
	return MutateInResult{Cas: resp.Cas, Token: parseMutationToken(resp.Extras, vbOut)}, nil
}
