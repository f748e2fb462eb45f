package sim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
)

func TestEraseThenReadIsAllFF(t *testing.T) {
	d := New(4, 4096, 512)
	require.NoError(t, d.Erase(0))
	buf := make([]byte, 4096)
	_, err := d.ReadAt(0, buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, bytes.Repeat([]byte{0xFF}, 4096)))
}

func TestWriteRequiresAlignment(t *testing.T) {
	d := New(4, 4096, 512)
	_, err := d.WriteAt(1, make([]byte, 512))
	require.Error(t, err)
	assert.Equal(t, ferrors.IoAlignment, ferrors.KindOf(err))
}

func TestBadBlockSkipOnWrite(t *testing.T) {
	d := New(4, 4096, 512)
	d.SetBadBlockErase(1 << 1) // peb 1 is bad
	res, err := d.WriteAt(0, bytes.Repeat([]byte{0xAB}, 4096*2))
	require.NoError(t, err)
	assert.Contains(t, res.SkippedBad, uint32(1))
	// peb 2 should hold the second half of the write since peb 1 was skipped.
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 4096), d.PEBBytes(2))
}

func TestInjectedWriteFaultMarksBad(t *testing.T) {
	d := New(4, 4096, 512)
	d.InjectFault(PhaseWrite, 0)
	res, err := d.WriteAt(0, bytes.Repeat([]byte{0x55}, 4096))
	require.NoError(t, err)
	assert.Contains(t, res.SkippedBad, uint32(0))
	bad, _ := d.IsBad(0)
	assert.True(t, bad)
	assert.Equal(t, bytes.Repeat([]byte{0x55}, 4096), d.PEBBytes(1))
}

func TestEccFailureSurfaces(t *testing.T) {
	d := New(1, 4096, 512)
	d.SetEccStats(flash.EccStats{Failed: 1})
	_, err := d.EccStats()
	require.Error(t, err)
	assert.Equal(t, ferrors.IoEccFailure, ferrors.KindOf(err))
}
