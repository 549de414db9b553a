package memd

import (
	"encoding/binary"
	"errors"
)

// CollectionKey is the {collection-id, key-bytes} pair a resolved KV
// request addresses. The collection id must already have been
// resolved by the session's collection cache before building a
// request.
type CollectionKey struct {
	CollectionID uint32
	Key          []byte
}

// encodeKeyWithCollection prefixes key with its collection id encoded
// as an unsigned LEB128 varint, the on-wire representation a
// collections-enabled connection expects.
func encodeKeyWithCollection(ck CollectionKey) []byte {
	var varint [5]byte
	n := 0
	v := ck.CollectionID
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		varint[n] = b
		n++
		if v == 0 {
			break
		}
	}
	out := make([]byte, n+len(ck.Key))
	copy(out, varint[:n])
	copy(out[n:], ck.Key)
	return out
}

// NewGet builds a GET request.
func NewGet(ck CollectionKey, vbucket uint16, opaque uint32) Packet {
	return Packet{
		Opcode:  OpGet,
		VBucket: vbucket,
		Opaque:  opaque,
		Key:     encodeKeyWithCollection(ck),
	}
}

// mutationExtras builds the 8-byte flags+expiry extras shared by
// set/add/replace.
func mutationExtras(flags uint32, expiry uint32) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], flags)
	binary.BigEndian.PutUint32(extras[4:8], expiry)
	return extras
}

// NewUpsert builds a SET (upsert) request.
func NewUpsert(ck CollectionKey, value []byte, flags, expiry uint32, cas uint64, vbucket uint16, opaque uint32) Packet {
	return Packet{
		Opcode:  OpSet,
		VBucket: vbucket,
		Opaque:  opaque,
		Cas:     cas,
		Extras:  mutationExtras(flags, expiry),
		Key:     encodeKeyWithCollection(ck),
		Value:   value,
	}
}

// NewInsert builds an ADD (insert) request. Fails server-side with
// document_exists if the key is already present.
func NewInsert(ck CollectionKey, value []byte, flags, expiry uint32, vbucket uint16, opaque uint32) Packet {
	return Packet{
		Opcode:  OpAdd,
		VBucket: vbucket,
		Opaque:  opaque,
		Extras:  mutationExtras(flags, expiry),
		Key:     encodeKeyWithCollection(ck),
		Value:   value,
	}
}

// NewReplace builds a REPLACE request with an optional CAS check.
func NewReplace(ck CollectionKey, value []byte, flags, expiry uint32, cas uint64, vbucket uint16, opaque uint32) Packet {
	return Packet{
		Opcode:  OpReplace,
		VBucket: vbucket,
		Opaque:  opaque,
		Cas:     cas,
		Extras:  mutationExtras(flags, expiry),
		Key:     encodeKeyWithCollection(ck),
		Value:   value,
	}
}

// NewRemove builds a DELETE (remove) request with an optional CAS
// check.
func NewRemove(ck CollectionKey, cas uint64, vbucket uint16, opaque uint32) Packet {
	return Packet{
		Opcode:  OpDelete,
		VBucket: vbucket,
		Opaque:  opaque,
		Cas:     cas,
		Key:     encodeKeyWithCollection(ck),
	}
}

// NewAppend/NewPrepend build value-concatenation requests. They carry
// no flags/expiry extras on the wire.
func NewAppend(ck CollectionKey, value []byte, cas uint64, vbucket uint16, opaque uint32) Packet {
	return Packet{Opcode: OpAppend, VBucket: vbucket, Opaque: opaque, Cas: cas, Key: encodeKeyWithCollection(ck), Value: value}
}

func NewPrepend(ck CollectionKey, value []byte, cas uint64, vbucket uint16, opaque uint32) Packet {
	return Packet{Opcode: OpPrepend, VBucket: vbucket, Opaque: opaque, Cas: cas, Key: encodeKeyWithCollection(ck), Value: value}
}

// counterExtras builds the 20-byte delta+initial+expiry extras shared
// by increment/decrement.
func counterExtras(delta, initial uint64, expiry uint32) []byte {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], delta)
	binary.BigEndian.PutUint64(extras[8:16], initial)
	binary.BigEndian.PutUint32(extras[16:20], expiry)
	return extras
}

// NewIncrement/NewDecrement build counter ops.
func NewIncrement(ck CollectionKey, delta, initial uint64, expiry uint32, vbucket uint16, opaque uint32) Packet {
	return Packet{Opcode: OpIncrement, VBucket: vbucket, Opaque: opaque, Extras: counterExtras(delta, initial, expiry), Key: encodeKeyWithCollection(ck)}
}

func NewDecrement(ck CollectionKey, delta, initial uint64, expiry uint32, vbucket uint16, opaque uint32) Packet {
	return Packet{Opcode: OpDecrement, VBucket: vbucket, Opaque: opaque, Extras: counterExtras(delta, initial, expiry), Key: encodeKeyWithCollection(ck)}
}

// NewTouch updates a document's expiry without fetching its value.
func NewTouch(ck CollectionKey, expiry uint32, vbucket uint16, opaque uint32) Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiry)
	return Packet{Opcode: OpTouch, VBucket: vbucket, Opaque: opaque, Extras: extras, Key: encodeKeyWithCollection(ck)}
}

// NewGetAndTouch fetches a document while also updating its expiry.
func NewGetAndTouch(ck CollectionKey, expiry uint32, vbucket uint16, opaque uint32) Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiry)
	return Packet{Opcode: OpGetAndTouch, VBucket: vbucket, Opaque: opaque, Extras: extras, Key: encodeKeyWithCollection(ck)}
}

// NewGetAndLock fetches a document and acquires a pessimistic lock
// for lockTimeSeconds.
func NewGetAndLock(ck CollectionKey, lockTimeSeconds uint32, vbucket uint16, opaque uint32) Packet {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, lockTimeSeconds)
	return Packet{Opcode: OpGetAndLock, VBucket: vbucket, Opaque: opaque, Extras: extras, Key: encodeKeyWithCollection(ck)}
}

// NewUnlock releases a lock acquired by NewGetAndLock. cas must match
// the CAS returned by the lock operation.
func NewUnlock(ck CollectionKey, cas uint64, vbucket uint16, opaque uint32) Packet {
	return Packet{Opcode: OpUnlock, VBucket: vbucket, Opaque: opaque, Cas: cas, Key: encodeKeyWithCollection(ck)}
}

// NewGetCollectionID builds a request resolving a "scope.collection"
// path to a 32-bit collection id. The path itself travels as the key;
// there is no collection prefix since the id being resolved is the
// thing we lack.
func NewGetCollectionID(scopeDotCollection string, opaque uint32) Packet {
	return Packet{Opcode: OpGetCollectionID, Opaque: opaque, Key: []byte(scopeDotCollection)}
}

// NewHello builds the feature-negotiation handshake request.
func NewHello(clientID string, features []Feature, opaque uint32) Packet {
	return Packet{
		Opcode: OpHello,
		Opaque: opaque,
		Key:    []byte(clientID),
		Value:  EncodeHelloFeatures(features),
	}
}

// NewSelectBucket selects the bucket this session will operate
// against for the remainder of its lifetime.
func NewSelectBucket(bucket string, opaque uint32) Packet {
	return Packet{Opcode: OpSelectBucket, Opaque: opaque, Key: []byte(bucket)}
}

// NewGetClusterConfig requests the current topology document.
func NewGetClusterConfig(opaque uint32) Packet {
	return Packet{Opcode: OpGetClusterConfig, Opaque: opaque}
}

// NewGetErrorMap requests the server's error map at the given
// version, downloaded once after HELLO.
func NewGetErrorMap(version uint16, opaque uint32) Packet {
	value := make([]byte, 2)
	binary.BigEndian.PutUint16(value, version)
	return Packet{Opcode: OpGetErrorMap, Opaque: opaque, Value: value}
}

// SubDocPathFlag carries per-path flags on a sub-document spec.
type SubDocPathFlag uint8

const (
	SubDocFlagXattr         SubDocPathFlag = 0x01
	SubDocFlagCreateParents SubDocPathFlag = 0x02
	SubDocFlagExpandMacros  SubDocPathFlag = 0x10
)

// SubDocDocFlag carries top-level document flags on a multi-mutation.
type SubDocDocFlag uint8

const (
	SubDocDocFlagMkDoc           SubDocDocFlag = 0x01
	SubDocDocFlagAdd             SubDocDocFlag = 0x02
	SubDocDocFlagAccessDeleted   SubDocDocFlag = 0x04
	SubDocDocFlagCreateAsDeleted SubDocDocFlag = 0x08
	SubDocDocFlagReviveDocument  SubDocDocFlag = 0x10
)

// SubDocSpec is one path operation within a multi-path lookup or
// mutation.
type SubDocSpec struct {
	Opcode Opcode
	Flags  SubDocPathFlag
	Path   string
	Value  []byte // unused for lookups
}

func (s SubDocSpec) encode() []byte {
	path := []byte(s.Path)
	out := make([]byte, 4+len(path)+len(s.Value))
	out[0] = byte(s.Opcode)
	out[1] = byte(s.Flags)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(path)))
	off := 4
	off += copy(out[off:], path)
	copy(out[off:], s.Value)
	return out
}

// NewMultiLookup builds a multi-path subdoc lookup request.
func NewMultiLookup(ck CollectionKey, specs []SubDocSpec, cas uint64, vbucket uint16, opaque uint32) Packet {
	var value []byte
	for _, s := range specs {
		value = append(value, s.encode()...)
	}
	return Packet{
		Opcode:  OpSubDocMultiLookup,
		VBucket: vbucket,
		Opaque:  opaque,
		Cas:     cas,
		Key:     encodeKeyWithCollection(ck),
		Value:   value,
	}
}

// NewMultiMutation builds a multi-path subdoc mutation request
// (mutate_in). docFlags and expiry are carried as extras ahead of the
// encoded spec sequence.
func NewMultiMutation(ck CollectionKey, specs []SubDocSpec, docFlags SubDocDocFlag, expiry uint32, cas uint64, vbucket uint16, opaque uint32) Packet {
	extras := make([]byte, 0, 5)
	if expiry != 0 {
		e := make([]byte, 4)
		binary.BigEndian.PutUint32(e, expiry)
		extras = append(extras, e...)
	}
	if docFlags != 0 {
		extras = append(extras, byte(docFlags))
	}

	var value []byte
	for _, s := range specs {
		value = append(value, s.encode()...)
	}

	return Packet{
		Opcode:  OpSubDocMultiMutation,
		VBucket: vbucket,
		Opaque:  opaque,
		Cas:     cas,
		Extras:  extras,
		Key:     encodeKeyWithCollection(ck),
		Value:   value,
	}
}

// NewRangeScanCreate builds a range-scan creation request for one
// vbucket. config is the scan description JSON (key range or
// sampling parameters, snapshot requirements, collection). The
// response value carries the 16-byte scan uuid used by continue and
// cancel.
func NewRangeScanCreate(config []byte, vbucket uint16, opaque uint32) Packet {
	return Packet{
		Opcode:   OpRangeScanCreate,
		DataType: DataTypeJSON,
		VBucket:  vbucket,
		Opaque:   opaque,
		Value:    config,
	}
}

// rangeScanContinueExtras packs scan uuid plus the item, time-limit
// (ms) and byte bounds of one continue round.
func rangeScanContinueExtras(scanUUID [16]byte, itemLimit, timeLimitMs, byteLimit uint32) []byte {
	extras := make([]byte, 28)
	copy(extras[0:16], scanUUID[:])
	binary.BigEndian.PutUint32(extras[16:20], itemLimit)
	binary.BigEndian.PutUint32(extras[20:24], timeLimitMs)
	binary.BigEndian.PutUint32(extras[24:28], byteLimit)
	return extras
}

// NewRangeScanContinue requests the next batch of a created scan. A
// zero limit means unbounded for that dimension.
func NewRangeScanContinue(scanUUID [16]byte, itemLimit, timeLimitMs, byteLimit uint32, vbucket uint16, opaque uint32) Packet {
	return Packet{
		Opcode:  OpRangeScanContinue,
		VBucket: vbucket,
		Opaque:  opaque,
		Extras:  rangeScanContinueExtras(scanUUID, itemLimit, timeLimitMs, byteLimit),
	}
}

// NewRangeScanCancel abandons a created scan.
func NewRangeScanCancel(scanUUID [16]byte, vbucket uint16, opaque uint32) Packet {
	extras := make([]byte, 16)
	copy(extras, scanUUID[:])
	return Packet{
		Opcode:  OpRangeScanCancel,
		VBucket: vbucket,
		Opaque:  opaque,
		Extras:  extras,
	}
}

// MultiLookupResult is one decoded result within a multi-lookup
// response.
type MultiLookupResult struct {
	Status Status
	Value  []byte
}

// DecodeMultiLookupResults parses a SUBDOC_MULTI_LOOKUP response
// value into its per-path results, each framed as
// [status:uint16][length:uint32][value].
func DecodeMultiLookupResults(value []byte) ([]MultiLookupResult, error) {
	var results []MultiLookupResult
	off := 0
	for off < len(value) {
		if off+6 > len(value) {
			return nil, errShortMultiLookup
		}
		status := Status(binary.BigEndian.Uint16(value[off : off+2]))
		length := binary.BigEndian.Uint32(value[off+2 : off+6])
		off += 6
		if off+int(length) > len(value) {
			return nil, errShortMultiLookup
		}
		results = append(results, MultiLookupResult{Status: status, Value: value[off : off+int(length)]})
		off += int(length)
	}
	return results, nil
}

var errShortMultiLookup = errors.New("memd: truncated multi-lookup response")
