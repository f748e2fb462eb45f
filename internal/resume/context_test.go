package resume

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerator/fwupdate/internal/cwe"
)

func sampleContext() *Context {
	return &Context{
		ImageType:        cwe.TypeUSER,
		ImageSize:        131072,
		ImageCRC:         0xdeadbeef,
		CurrentImageCRC:  0x1234,
		GlobalCRC:        0xdeadbeef,
		CurrentGlobalCRC: 0x1234,
		TotalRead:        65536,
		CurrentOffset:    65536,
		FullImageLength:  131072,
		SessionID:        uuid.New(),
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	ctx := sampleContext()
	require.NoError(t, Save(dir, ctx))

	got, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ctx.ImageType, got.ImageType)
	assert.Equal(t, ctx.TotalRead, got.TotalRead)
	assert.Equal(t, ctx.SessionID, got.SessionID)
	assert.Equal(t, uint32(1), got.CtxCounter)
}

func TestSaveAlternatesFiles(t *testing.T) {
	dir := t.TempDir()
	ctx1 := sampleContext()
	require.NoError(t, Save(dir, ctx1))

	ctx2 := sampleContext()
	ctx2.TotalRead = 131072
	require.NoError(t, Save(dir, ctx2))
	assert.Equal(t, uint32(2), ctx2.CtxCounter)

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(131072), got.TotalRead)
	assert.Equal(t, uint32(2), got.CtxCounter)

	ctx3 := sampleContext()
	ctx3.TotalRead = 196608
	require.NoError(t, Save(dir, ctx3))
	assert.Equal(t, uint32(3), ctx3.CtxCounter)

	got, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(196608), got.TotalRead)
}

func TestLoadWithNoFilesReturnsNil(t *testing.T) {
	dir := t.TempDir()
	got, err := Load(dir)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClearRemovesBothFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, sampleContext()))
	require.NoError(t, Save(dir, sampleContext()))
	require.NoError(t, Clear(dir))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptedFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	ctx := sampleContext()
	require.NoError(t, Save(dir, ctx))

	ps := paths(dir)
	raw, err := encode(sampleContext())
	require.NoError(t, err)
	raw[0] ^= 0xFF // corrupt the sibling slot directly
	require.NoError(t, os.WriteFile(ps[1], raw, 0o600))

	got, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ctx.CtxCounter, got.CtxCounter)
}

func TestResumePositionFromNilContext(t *testing.T) {
	assert.Equal(t, uint64(0), ResumePosition(nil))
}

func TestResumePositionEqualsTotalRead(t *testing.T) {
	ctx := sampleContext()
	assert.Equal(t, ctx.TotalRead, ResumePosition(ctx))
}
