package memd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Magic:           MagicReq,
		Opcode:          OpGet,
		KeyLen:          3,
		ExtrasLen:       0,
		DataType:        DataTypeJSON,
		VBucketOrStatus: 42,
		BodyLen:         3,
		Opaque:          7,
		Cas:             123456789,
	}
	buf := make([]byte, HeaderSize)
	require.NoError(t, h.Encode(buf))

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestPacket_EncodeDecodeRoundTrip(t *testing.T) {
	ck := CollectionKey{CollectionID: 0, Key: []byte("foo")}
	req := NewGet(ck, 42, 7)

	buf, err := req.Encode()
	require.NoError(t, err)
	defer func() {}()

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, OpGet, got.Opcode)
	assert.Equal(t, uint32(7), got.Opaque)
	assert.Equal(t, []byte{0x00, 'f', 'o', 'o'}, got.Key)
}

func TestPacket_FlexibleFramingRoundTrip(t *testing.T) {
	req := NewUpsert(CollectionKey{Key: []byte("x")}, []byte(`{"a":1}`), 0, 0, 0, 1, 99)
	req.WithDurabilityFrame(DurabilityMajority, 1500)

	buf, err := req.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.True(t, Header{Magic: got.Magic}.Flexible())
	assert.Equal(t, req.FramingExtras, got.FramingExtras)
}

func TestParseServerDurationFrame(t *testing.T) {
	frame := encodeFramingFrame(framingResServerDurationMicros, []byte{0x01, 0x2c})
	us, ok := ParseServerDurationFrame(frame)
	require.True(t, ok)
	assert.Equal(t, uint64(0x012c), us)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	value := make([]byte, 256)
	for i := range value {
		value[i] = byte(i % 7)
	}
	p := Packet{Value: append([]byte(nil), value...)}
	p.CompressValueIfWorthwhile(true)
	assert.NotZero(t, p.DataType&DataTypeSnappy)

	require.NoError(t, p.DecompressValue())
	assert.Equal(t, value, p.Value)
	assert.Zero(t, p.DataType&DataTypeSnappy)
}

func TestCompress_SkipsSmallValues(t *testing.T) {
	p := Packet{Value: []byte("short")}
	p.CompressValueIfWorthwhile(true)
	assert.Zero(t, p.DataType&DataTypeSnappy)
}

func TestOpaqueAllocator_Unique(t *testing.T) {
	var a OpaqueAllocator
	seen := make(map[uint32]struct{})
	for i := 0; i < 1000; i++ {
		v := a.Next()
		_, dup := seen[v]
		assert.False(t, dup)
		seen[v] = struct{}{}
	}
}

func TestRangeScan_Encoding(t *testing.T) {
	var scanID [16]byte
	for i := range scanID {
		scanID[i] = byte(i)
	}

	create := NewRangeScanCreate([]byte(`{"range":{"start":"YQ==","end":"eg=="}}`), 12, 1)
	assert.Equal(t, OpRangeScanCreate, create.Opcode)
	assert.Equal(t, DataTypeJSON, create.DataType)

	cont := NewRangeScanContinue(scanID, 100, 0, 0, 12, 2)
	require.Len(t, cont.Extras, 28)
	assert.Equal(t, scanID[:], cont.Extras[0:16])
	assert.Equal(t, []byte{0, 0, 0, 100}, cont.Extras[16:20])

	cancel := NewRangeScanCancel(scanID, 12, 3)
	require.Len(t, cancel.Extras, 16)
	assert.Equal(t, scanID[:], cancel.Extras)
}

func TestMultiLookup_EncodeDecode(t *testing.T) {
	specs := []SubDocSpec{
		{Opcode: OpSubDocGet, Path: "a"},
		{Opcode: OpSubDocGet, Path: "b.c"},
	}
	req := NewMultiLookup(CollectionKey{Key: []byte("doc")}, specs, 0, 0, 1)
	assert.Equal(t, OpSubDocMultiLookup, req.Opcode)

	// Simulate a response body: status+len+value per path result.
	respValue := append(
		append([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}, '1'),
		append([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}, '2')...,
	)
	results, err := DecodeMultiLookupResults(respValue)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, []byte("1"), results[0].Value)
	assert.Equal(t, []byte("2"), results[1].Value)
}
