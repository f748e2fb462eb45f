package writer

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
	"github.com/tinkerator/fwupdate/internal/flash/sim"
)

func TestRawWriterHappyPath(t *testing.T) {
	d := sim.New(8, 4096, 512)
	payload := bytes.Repeat([]byte{0x42}, 4096*2)
	crc := crc32.ChecksumIEEE(payload)

	w, err := BeginRawWrite(d, uint32(len(payload)))
	require.NoError(t, err)
	n, err := w.WriteChunk(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, w.Finish(crc, uint32(len(payload))))

	require.NoError(t, CheckData(d, 0, uint32(len(payload)), crc))
}

func TestRawWriterRejectsSizeMismatch(t *testing.T) {
	d := sim.New(4, 4096, 512)
	payload := bytes.Repeat([]byte{0x11}, 4096)

	w, err := BeginRawWrite(d, uint32(len(payload)))
	require.NoError(t, err)
	_, err = w.WriteChunk(payload)
	require.NoError(t, err)
	err = w.Finish(crc32.ChecksumIEEE(payload), uint32(len(payload))+1)
	require.Error(t, err)
}

func TestRawWriterSkipsPreErasedPEB(t *testing.T) {
	d := sim.New(4, 4096, 512)
	// peb 0 is already blank; BeginRawWrite must not explode on it, and
	// should leave a dirty peb 1 erased before writing.
	dirty := bytes.Repeat([]byte{0xAA}, 4096)
	_, err := d.WriteAt(4096, dirty)
	require.NoError(t, err)

	w, err := BeginRawWrite(d, 4096*2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(d.PEBBytes(1), bytes.Repeat([]byte{0xFF}, 4096)))
	_, err = w.WriteChunk(bytes.Repeat([]byte{0x01}, 4096*2))
	require.NoError(t, err)
}

func TestUbiWriterHappyPath(t *testing.T) {
	d := sim.New(4, 4096, 512)
	require.NoError(t, d.CreateVolume(0, "test", flash.VolDynamic, 0, 4096*2))

	w, err := BeginUBIWrite(d, 0, "test", flash.VolDynamic, 4096*2, false)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x77}, 4096+100)
	_, err = w.WriteChunk(payload)
	require.NoError(t, err)

	want := make([]byte, 4096+100)
	copy(want, payload)
	crc := crc32.ChecksumIEEE(payload)
	require.NoError(t, w.Finish(crc, uint32(len(payload))))

	info, err := d.ScanUBI(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), info.Size)
}

func TestSBLLocateAndScrub(t *testing.T) {
	d := sim.New(8, 4096, 512) // 4 PEBs per half
	numPEB := uint32(8)
	info, err := d.Info()
	require.NoError(t, err)
	halfSize := (numPEB / 2) * info.EraseSize

	oldPayload := make([]byte, halfSize-sblLocalHeaderSize)
	for i := range oldPayload {
		oldPayload[i] = byte(i)
	}
	oldCRC := crc32.ChecksumIEEE(oldPayload)
	oldImage := writeSBLLocalHeader(oldPayload, oldCRC)

	_, err = d.WriteAt(0, oldImage)
	require.NoError(t, err)

	half, err := LocateValidHalf(d, numPEB)
	require.NoError(t, err)
	assert.Equal(t, SBLLow, half)

	newPayload := make([]byte, halfSize-sblLocalHeaderSize)
	for i := range newPayload {
		newPayload[i] = byte(255 - i)
	}
	newCRC := crc32.ChecksumIEEE(newPayload)

	require.NoError(t, ScrubWrite(d, numPEB, half, newPayload, newCRC))

	// High half now holds the fresh image; low half has been erased.
	highHalf, err := LocateValidHalf(d, numPEB)
	require.NoError(t, err)
	assert.Equal(t, SBLHigh, highHalf)

	lowBytes := d.PEBBytes(0)
	assert.True(t, bytes.Equal(lowBytes, bytes.Repeat([]byte{0xFF}, int(info.EraseSize))))
}

func TestSBLLocateFailsWhenNeitherHalfValid(t *testing.T) {
	d := sim.New(8, 4096, 512)
	_, err := LocateValidHalf(d, 8)
	require.Error(t, err)
	assert.Equal(t, ferrors.Fault, ferrors.KindOf(err))
}
