package memd

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/cbclient/gocbcore/pkg/bufpool"
)

// DurabilityLevel is the write-persistence guarantee requested with a
// mutation.
type DurabilityLevel uint8

const (
	DurabilityNone                     DurabilityLevel = 0x00
	DurabilityMajority                 DurabilityLevel = 0x01
	DurabilityMajorityAndPersistActive DurabilityLevel = 0x02
	DurabilityPersistToMajority        DurabilityLevel = 0x03
)

// Framing extras frame identifiers (request side). The durability
// frame is the only request-side framing extra this core emits; the
// server may echo a tracing frame back on the response, parsed by
// ParseServerDurationFrame below.
const (
	framingReqDurability           byte = 0x01
	framingResServerDurationMicros byte = 0x02
)

// Packet is the protocol-agnostic shape of a request or response
// frame: header fields plus the three variable-length sections
// (framing extras, extras, key) and the value. Callers build a
// Packet describing one KV operation; Packet.Encode serializes it
// to the wire and Decode parses a response back into one.
type Packet struct {
	Magic    byte
	Opcode   Opcode
	DataType uint8

	// VBucket is set on requests; Status is read from responses
	// (the same header field, interpreted per direction).
	VBucket uint16
	Status  Status

	Opaque uint32
	Cas    uint64

	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte
}

// WithDurabilityFrame appends a durability framing-extras frame
// carrying level and, when level is not none, a server-side timeout
// in milliseconds. The caller is responsible for applying the 1500ms
// floor before calling this.
func (p *Packet) WithDurabilityFrame(level DurabilityLevel, timeoutMs uint16) {
	if level == DurabilityNone {
		return
	}
	var body []byte
	if timeoutMs > 0 {
		body = make([]byte, 3)
		body[0] = byte(level)
		binary.BigEndian.PutUint16(body[1:3], timeoutMs)
	} else {
		body = []byte{byte(level)}
	}
	p.FramingExtras = append(p.FramingExtras, encodeFramingFrame(framingReqDurability, body)...)
}

// encodeFramingFrame encodes one framing-extras frame using the
// protocol's nibble-length-prefixed scheme: a header byte packing
// (id<<4 | len) followed by the frame body, for ids and lengths below
// 15; ids/lengths at or above 15 are out of scope for the frames this
// core emits.
func encodeFramingFrame(id byte, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, (id<<4)|byte(len(body)&0x0f))
	out = append(out, body...)
	return out
}

// ParseServerDurationFrame scans a response's framing extras for the
// server-duration frame echoed back on tracing-enabled connections
// and returns the duration in microseconds.
func ParseServerDurationFrame(framingExtras []byte) (microseconds uint64, ok bool) {
	i := 0
	for i < len(framingExtras) {
		id := framingExtras[i] >> 4
		length := int(framingExtras[i] & 0x0f)
		i++
		if i+length > len(framingExtras) {
			return 0, false
		}
		body := framingExtras[i : i+length]
		i += length
		if id == framingResServerDurationMicros && length == 2 {
			return uint64(binary.BigEndian.Uint16(body)), true
		}
	}
	return 0, false
}

// Encode serializes p into a single frame buffer drawn from bufpool.
// The caller must return the buffer with bufpool.Put once the write
// completes.
func (p *Packet) Encode() ([]byte, error) {
	flexible := len(p.FramingExtras) > 0
	magic := p.Magic
	if magic == 0 {
		if flexible {
			magic = MagicFlexReq
		} else {
			magic = MagicReq
		}
	}

	keyLen := len(p.Key)
	if flexible && keyLen > 0xff {
		return nil, fmt.Errorf("memd: key too long for flexible framing: %d", keyLen)
	}

	total := HeaderSize + len(p.FramingExtras) + len(p.Extras) + keyLen + len(p.Value)
	buf := bufpool.Get(total)

	h := Header{
		Magic:            magic,
		Opcode:           p.Opcode,
		FramingExtrasLen: uint8(len(p.FramingExtras)),
		KeyLen:           uint16(keyLen),
		ExtrasLen:        uint8(len(p.Extras)),
		DataType:         p.DataType,
		VBucketOrStatus:  p.VBucket,
		BodyLen:          uint32(total - HeaderSize),
		Opaque:           p.Opaque,
		Cas:              p.Cas,
	}
	if err := h.Encode(buf[:HeaderSize]); err != nil {
		bufpool.Put(buf)
		return nil, err
	}

	off := HeaderSize
	off += copy(buf[off:], p.FramingExtras)
	off += copy(buf[off:], p.Extras)
	off += copy(buf[off:], p.Key)
	copy(buf[off:], p.Value)

	return buf, nil
}

// Decode parses a complete frame (header + body, as delivered by the
// session's reader) into a Packet.
func Decode(frame []byte) (Packet, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Packet{}, err
	}

	body := frame[HeaderSize:]
	if uint32(len(body)) != h.BodyLen {
		return Packet{}, fmt.Errorf("memd: body length mismatch: header says %d, have %d", h.BodyLen, len(body))
	}

	off := 0
	framingExtras := body[off : off+int(h.FramingExtrasLen)]
	off += int(h.FramingExtrasLen)
	extras := body[off : off+int(h.ExtrasLen)]
	off += int(h.ExtrasLen)
	key := body[off : off+int(h.KeyLen)]
	off += int(h.KeyLen)
	value := body[off:]

	p := Packet{
		Magic:         h.Magic,
		Opcode:        h.Opcode,
		DataType:      h.DataType,
		Opaque:        h.Opaque,
		Cas:           h.Cas,
		FramingExtras: framingExtras,
		Extras:        extras,
		Key:           key,
		Value:         value,
	}
	if h.IsResponse() {
		p.Status = h.Status()
	} else {
		p.VBucket = h.VBucketOrStatus
	}
	return p, nil
}

// snappyThreshold is the body size above which compression is
// considered worthwhile.
const snappyThreshold = 32

// CompressValueIfWorthwhile snappy-compresses p.Value in place and
// sets the snappy datatype bit when peerSupportsSnappy and the value
// is larger than the threshold. No-op otherwise.
func (p *Packet) CompressValueIfWorthwhile(peerSupportsSnappy bool) {
	if !peerSupportsSnappy || len(p.Value) <= snappyThreshold {
		return
	}
	compressed := snappy.Encode(nil, p.Value)
	if len(compressed) >= len(p.Value) {
		return
	}
	p.Value = compressed
	p.DataType |= DataTypeSnappy
}

// DecompressValue reverses CompressValueIfWorthwhile when the
// response's datatype carries the snappy bit.
func (p *Packet) DecompressValue() error {
	if p.DataType&DataTypeSnappy == 0 {
		return nil
	}
	decoded, err := snappy.Decode(nil, p.Value)
	if err != nil {
		return fmt.Errorf("memd: snappy decode: %w", err)
	}
	p.Value = decoded
	p.DataType &^= DataTypeSnappy
	return nil
}
