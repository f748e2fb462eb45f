package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zappem.net/pub/debug/xcrc32"
)

type memSource struct{ data []byte }

func (m *memSource) ReadRange(offset, length uint32) ([]byte, error) {
	return m.data[offset : offset+length], nil
}

type memDest struct {
	buf      bytes.Buffer
	finished bool
}

func (d *memDest) WriteChunk(b []byte) (int, error) { return d.buf.Write(b) }
func (d *memDest) Finish(crc uint32, size uint32) error {
	_, got := xcrc32.NewCRC32(d.buf.Bytes())
	if got != crc || uint32(d.buf.Len()) != size {
		return assertCrcErr
	}
	d.finished = true
	return nil
}

var assertCrcErr = &crcErr{}

type crcErr struct{}

func (*crcErr) Error() string { return "crc mismatch" }

func metaFor(kind string, origSize, origCRC, destSize, destCRC uint32, numPatches uint32) *Meta {
	var dt [16]byte
	copy(dt[:], kind)
	return &Meta{
		DiffType:    dt,
		NumPatches:  numPatches,
		UBIVolID:    UBIRaw,
		OrigSize:    origSize,
		OrigCRC32:   origCRC,
		DestSize:    destSize,
		DestCRC32:   destCRC,
	}
}

func TestNODIFFPassthrough(t *testing.T) {
	payload := []byte("the destination image bytes")
	_, crc := xcrc32.NewCRC32(payload)
	meta := metaFor("NODIFF\x00\x00", 0, 0, uint32(len(payload)), crc, 1)

	dst := &memDest{}
	ctx := NewContext(meta, &memSource{}, dst, t.TempDir())
	require.NoError(t, ctx.BeginSlice(&Slice{Offset: 0, Number: 0, Size: uint32(len(payload))}))
	res, err := ctx.FeedSlicePayload(payload)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, dst.finished)
	assert.Equal(t, payload, dst.buf.Bytes())
}

func TestIMGDIFF2Reconstruct(t *testing.T) {
	src := bytes.Repeat([]byte{0xAA}, 64)
	_, srcCRC := xcrc32.NewCRC32(src)

	var op bytes.Buffer
	op.WriteByte(opCopy)
	binary.Write(&op, binary.BigEndian, uint32(32))
	binary.Write(&op, binary.BigEndian, uint32(0))
	op.WriteByte(opData)
	lit := []byte("injected-literal-bytes!")
	binary.Write(&op, binary.BigEndian, uint32(len(lit)))
	op.Write(lit)
	op.WriteByte(opEnd)

	want := append(append([]byte{}, src[:32]...), lit...)
	_, wantCRC := xcrc32.NewCRC32(want)

	meta := metaFor("IMGDIFF2", uint32(len(src)), srcCRC, uint32(len(want)), wantCRC, 1)
	dst := &memDest{}
	ctx := NewContext(meta, &memSource{data: src}, dst, t.TempDir())
	require.NoError(t, ctx.BeginSlice(&Slice{Size: uint32(op.Len())}))
	res, err := ctx.FeedSlicePayload(op.Bytes())
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, want, dst.buf.Bytes())
}

func TestIMGDIFF2MultiSliceReconstruct(t *testing.T) {
	src := append(bytes.Repeat([]byte{0xAA}, 32), bytes.Repeat([]byte{0xBB}, 32)...)
	_, srcCRC := xcrc32.NewCRC32(src)

	opFor := func(segOff uint32) []byte {
		var op bytes.Buffer
		op.WriteByte(opCopy)
		binary.Write(&op, binary.BigEndian, uint32(16))
		binary.Write(&op, binary.BigEndian, uint32(0))
		op.WriteByte(opData)
		lit := []byte(fmt.Sprintf("literal-for-segment-at-%d", segOff))
		binary.Write(&op, binary.BigEndian, uint32(len(lit)))
		op.Write(lit)
		op.WriteByte(opEnd)
		return op.Bytes()
	}

	op0 := opFor(0)
	op1 := opFor(32)
	want0 := append(append([]byte{}, src[0:16]...), []byte(fmt.Sprintf("literal-for-segment-at-%d", 0))...)
	want1 := append(append([]byte{}, src[32:48]...), []byte(fmt.Sprintf("literal-for-segment-at-%d", 32))...)
	want := append(append([]byte{}, want0...), want1...)
	_, wantCRC := xcrc32.NewCRC32(want)

	meta := metaFor("IMGDIFF2", uint32(len(src)), srcCRC, uint32(len(want0)+len(want1)), wantCRC, 2)
	meta.SegmentSize = 32

	dst := &memDest{}
	ctx := NewContext(meta, &memSource{data: src}, dst, t.TempDir())

	require.NoError(t, ctx.BeginSlice(&Slice{Offset: 0, Number: 0, Size: uint32(len(op0))}))
	res, err := ctx.FeedSlicePayload(op0)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, want0, dst.buf.Bytes())

	require.NoError(t, ctx.BeginSlice(&Slice{Offset: 32, Number: 1, Size: uint32(len(op1))}))
	res, err = ctx.FeedSlicePayload(op1)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, dst.finished)
	assert.Equal(t, want, dst.buf.Bytes())
}

func TestSourceMismatchOnReapply(t *testing.T) {
	src := bytes.Repeat([]byte{0x11}, 16)
	_, wrongCRC := xcrc32.NewCRC32(append([]byte{}, src...))
	meta := metaFor("IMGDIFF2", uint32(len(src)), wrongCRC^0xffffffff, 16, 0, 1)
	ctx := NewContext(meta, &memSource{data: src}, &memDest{}, t.TempDir())
	err := ctx.BeginSlice(&Slice{Size: 4})
	require.Error(t, err)
}
