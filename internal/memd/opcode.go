// Package memd implements the binary memcached protocol session used
// to talk to one node's KV port: 24-byte header framing, HELLO
// feature negotiation, SASL authentication, collection-id resolution,
// opaque correlation, and not-my-vbucket handling.
package memd

// Opcode identifies a memcached binary protocol command.
type Opcode uint8

// KV data-manipulation opcodes used by the operations this core
// exposes.
const (
	OpGet         Opcode = 0x00
	OpSet         Opcode = 0x01 // used for upsert
	OpAdd         Opcode = 0x02 // used for insert
	OpReplace     Opcode = 0x03
	OpDelete      Opcode = 0x04 // used for remove
	OpIncrement   Opcode = 0x05
	OpDecrement   Opcode = 0x06
	OpAppend      Opcode = 0x0e
	OpPrepend     Opcode = 0x0f
	OpTouch       Opcode = 0x1c
	OpGetAndTouch Opcode = 0x1d
	OpGetAndLock  Opcode = 0x94
	OpUnlock      Opcode = 0x95
)

// Connection-setup and bucket-selection opcodes.
const (
	OpNoop             Opcode = 0x0a
	OpHello            Opcode = 0x1f
	OpSASLListMechs    Opcode = 0x20
	OpSASLAuth         Opcode = 0x21
	OpSASLStep         Opcode = 0x22
	OpSelectBucket     Opcode = 0x89
	OpGetClusterConfig Opcode = 0xb5
	OpGetErrorMap      Opcode = 0xfe
)

// Collections opcode.
const (
	OpGetCollectionID Opcode = 0xbb
)

// Sub-document opcodes.
const (
	OpSubDocGet            Opcode = 0xc5
	OpSubDocExists         Opcode = 0xc6
	OpSubDocDictAdd        Opcode = 0xc7
	OpSubDocDictUpsert     Opcode = 0xc8
	OpSubDocDelete         Opcode = 0xc9
	OpSubDocReplace        Opcode = 0xca
	OpSubDocArrayPushLast  Opcode = 0xcb
	OpSubDocArrayPushFirst Opcode = 0xcc
	OpSubDocArrayInsert    Opcode = 0xcd
	OpSubDocArrayAddUnique Opcode = 0xce
	OpSubDocCounter        Opcode = 0xcf
	OpSubDocMultiLookup    Opcode = 0xd0
	OpSubDocMultiMutation  Opcode = 0xd1
	OpSubDocGetCount       Opcode = 0xd2
)

// Range scan opcode family, used for the large-scale collection scan
// operation.
const (
	OpRangeScanCreate   Opcode = 0xda
	OpRangeScanContinue Opcode = 0xdb
	OpRangeScanCancel   Opcode = 0xdc
)

// Status is the 16-bit response status field (the second header word
// on a response frame; on a request frame the same bytes carry the
// vbucket id instead).
type Status uint16

// Known status codes. Anything not listed here is resolved through
// the server error map.
const (
	StatusSuccess                      Status = 0x00
	StatusKeyNotFound                  Status = 0x01
	StatusKeyExists                    Status = 0x02
	StatusValueTooLarge                Status = 0x03
	StatusInvalidArgs                  Status = 0x04
	StatusNotStored                    Status = 0x05
	StatusDeltaBadVal                  Status = 0x06
	StatusNotMyVbucket                 Status = 0x07
	StatusNoBucket                     Status = 0x08
	StatusLocked                       Status = 0x09
	StatusAuthStale                    Status = 0x1f
	StatusAuthError                    Status = 0x20
	StatusAuthContinue                 Status = 0x21
	StatusRangeError                   Status = 0x22
	StatusRollback                     Status = 0x23
	StatusUnknownCommand               Status = 0x81
	StatusOutOfMemory                  Status = 0x82
	StatusNotSupported                 Status = 0x83
	StatusInternalError                Status = 0x84
	StatusBusy                         Status = 0x85
	StatusTemporaryFailure             Status = 0x86
	StatusUnknownCollection            Status = 0x88
	StatusSyncWriteInProgress          Status = 0xa2
	StatusSyncWriteAmbiguous           Status = 0xa3
	StatusSyncWriteReCommitInProgress  Status = 0xa4
	StatusDurabilityInvalidLevel       Status = 0xa0
	StatusDurabilityImpossible         Status = 0xa1
	StatusSubDocPathNotFound           Status = 0xc0
	StatusSubDocPathMismatch           Status = 0xc1
	StatusSubDocPathInvalid            Status = 0xc2
	StatusSubDocPathTooBig             Status = 0xc3
	StatusSubDocDocTooDeep             Status = 0xc4
	StatusSubDocCantInsert             Status = 0xc5
	StatusSubDocNotJSON                Status = 0xc6
	StatusSubDocNumRange               Status = 0xc7
	StatusSubDocDeltaRange             Status = 0xc8
	StatusSubDocPathExists             Status = 0xc9
	StatusSubDocValueTooDeep           Status = 0xca
	StatusSubDocInvalidCombo           Status = 0xcb
	StatusSubDocMultiFailure           Status = 0xcc
	StatusSubDocXattrInvalidFlagCombo  Status = 0xce
	StatusSubDocXattrInvalidKeyCombo   Status = 0xcf
	StatusSubDocXattrCannotModifyVattr Status = 0xd1
)

// String is a best-effort human-readable label, used in logs and error
// contexts. Not exhaustive; unknown codes render as "unknown_status".
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusKeyNotFound:
		return "key_not_found"
	case StatusKeyExists:
		return "key_exists"
	case StatusValueTooLarge:
		return "value_too_large"
	case StatusNotMyVbucket:
		return "not_my_vbucket"
	case StatusLocked:
		return "locked"
	case StatusTemporaryFailure:
		return "temporary_failure"
	case StatusUnknownCollection:
		return "unknown_collection"
	case StatusSyncWriteInProgress:
		return "sync_write_in_progress"
	case StatusSyncWriteReCommitInProgress:
		return "sync_write_re_commit_in_progress"
	case StatusSyncWriteAmbiguous:
		return "sync_write_ambiguous"
	case StatusDurabilityInvalidLevel:
		return "durability_level_not_available"
	case StatusDurabilityImpossible:
		return "durability_impossible"
	default:
		return "unknown_status"
	}
}
