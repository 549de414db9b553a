package memd

import (
	"encoding/binary"
	"fmt"
)

// Magic bytes distinguishing request/response and flexible framing.
// Flexible frames additionally carry framing extras before the key.
const (
	MagicReq     byte = 0x80
	MagicRes     byte = 0x81
	MagicFlexReq byte = 0x08
	MagicFlexRes byte = 0x18
)

// DataType bits carried in header byte 5.
const (
	DataTypeRaw    uint8 = 0x00
	DataTypeJSON   uint8 = 0x01
	DataTypeSnappy uint8 = 0x02
	DataTypeXattr  uint8 = 0x04
)

// HeaderSize is the fixed length of a memcached binary protocol
// header, flexible or not.
const HeaderSize = 24

// Header is the decoded fixed-size header shared by request and
// response frames. FramingExtrasLen is 0 for non-flexible frames.
type Header struct {
	Magic            byte
	Opcode           Opcode
	FramingExtrasLen uint8
	KeyLen           uint16
	ExtrasLen        uint8
	DataType         uint8
	VBucketOrStatus  uint16
	BodyLen          uint32
	Opaque           uint32
	Cas              uint64
}

// Flexible reports whether the header uses flexible framing (carries
// framing extras before the key).
func (h Header) Flexible() bool {
	return h.Magic == MagicFlexReq || h.Magic == MagicFlexRes
}

// IsResponse reports whether the header belongs to a response frame.
func (h Header) IsResponse() bool {
	return h.Magic == MagicRes || h.Magic == MagicFlexRes
}

// Status interprets VBucketOrStatus as a response status. Only
// meaningful when IsResponse() is true.
func (h Header) Status() Status {
	return Status(h.VBucketOrStatus)
}

// Encode writes the header's 24 bytes into buf, which must be at
// least HeaderSize long.
func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("memd: header buffer too small: %d < %d", len(buf), HeaderSize)
	}
	buf[0] = h.Magic
	buf[1] = byte(h.Opcode)

	if h.Flexible() {
		buf[2] = h.FramingExtrasLen
		buf[3] = byte(h.KeyLen)
	} else {
		binary.BigEndian.PutUint16(buf[2:4], h.KeyLen)
	}

	buf[4] = h.ExtrasLen
	buf[5] = h.DataType
	binary.BigEndian.PutUint16(buf[6:8], h.VBucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.Cas)
	return nil
}

// DecodeHeader parses the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("memd: short header: %d bytes", len(buf))
	}

	h := Header{
		Magic:  buf[0],
		Opcode: Opcode(buf[1]),
	}

	if h.Flexible() {
		h.FramingExtrasLen = buf[2]
		h.KeyLen = uint16(buf[3])
	} else {
		h.KeyLen = binary.BigEndian.Uint16(buf[2:4])
	}

	h.ExtrasLen = buf[4]
	h.DataType = buf[5]
	h.VBucketOrStatus = binary.BigEndian.Uint16(buf[6:8])
	h.BodyLen = binary.BigEndian.Uint32(buf[8:12])
	h.Opaque = binary.BigEndian.Uint32(buf[12:16])
	h.Cas = binary.BigEndian.Uint64(buf[16:24])
	return h, nil
}
