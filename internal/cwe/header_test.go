package cwe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"zappem.net/pub/debug/xcrc32"
)

// buildHeaderFrom renders a valid, PSB-CRC-signed 400-byte header from
// a caller-supplied Header value.
func buildHeaderFrom(t *testing.T, h Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	raw := buf.Bytes()
	require.Len(t, raw, HeaderSize)
	fixupPSB(raw)
	return raw
}

// buildHeader renders a valid 400-byte header for the given type and
// size.
func buildHeader(t *testing.T, typ ImageType, size uint32, misc byte) []byte {
	t.Helper()
	h := Header{
		HdrRev:      3,
		ImageType:   typ,
		ProductType: ExpectedProductType,
		ImageSize:   size,
		MiscOpts:    misc,
	}
	if typ == TypeAPPL {
		h.Signature = Appsign()
	}
	return buildHeaderFrom(t, h)
}

func fixupPSB(raw []byte) {
	_, crc := xcrc32.NewCRC32(raw[:PSBSize])
	binary.BigEndian.PutUint32(raw[PSBSize:PSBSize+4], crc)
}

func TestLoadHeaderHappyPath(t *testing.T) {
	raw := buildHeader(t, TypeUSER, 131072, 0)
	h, err := LoadHeader(raw)
	require.NoError(t, err)
	require.Equal(t, TypeUSER, h.ImageType)
	require.EqualValues(t, 131072, h.ImageSize)
	require.False(t, h.ImageType.Composite())
}

func TestLoadHeaderCompositeTypes(t *testing.T) {
	raw := buildHeader(t, TypeMODM, 0, 0)
	h, err := LoadHeader(raw)
	require.NoError(t, err)
	require.True(t, h.ImageType.Composite())
}

func TestLoadHeaderRejectsZeroSizeLeaf(t *testing.T) {
	raw := buildHeader(t, TypeUSER, 0, 0)
	_, err := LoadHeader(raw)
	require.Error(t, err)
}

func TestLoadHeaderRejectsBadPSBCRC(t *testing.T) {
	raw := buildHeader(t, TypeUSER, 1024, 0)
	raw[0] ^= 0xff // corrupt PSB without fixing CRC
	_, err := LoadHeader(raw)
	require.Error(t, err)
}

func TestLoadHeaderRejectsCompressed(t *testing.T) {
	raw := buildHeader(t, TypeUSER, 1024, MiscCompress)
	fixupPSB(raw)
	_, err := LoadHeader(raw)
	require.Error(t, err)
}

func TestLoadHeaderRejectsLowRevision(t *testing.T) {
	raw := buildHeader(t, TypeUSER, 1024, 0)
	binary.BigEndian.PutUint32(raw[PSBSize+4:PSBSize+8], 2) // hdr_rev
	fixupPSB(raw)
	_, err := LoadHeader(raw)
	require.Error(t, err)
}

func TestLoadHeaderRejectsUnknownType(t *testing.T) {
	raw := buildHeader(t, ImageType{'X', 'X', 'X', 'X'}, 1024, 0)
	_, err := LoadHeader(raw)
	require.Error(t, err)
}

func TestLoadHeaderAPPLRequiresSignature(t *testing.T) {
	raw := buildHeaderFrom(t, Header{
		HdrRev:      3,
		ImageType:   TypeAPPL,
		ProductType: ExpectedProductType,
		Signature:   0, // missing signature
	})
	_, err := LoadHeader(raw)
	require.Error(t, err)
}

func TestWantsDeltaPatch(t *testing.T) {
	raw := buildHeader(t, TypeUSER, 1024, MiscDeltaPatch)
	h, err := LoadHeader(raw)
	require.NoError(t, err)
	require.True(t, h.WantsDeltaPatch())

	raw2 := buildHeader(t, TypeSBL1, 1024, MiscDeltaPatch)
	h2, err := LoadHeader(raw2)
	require.NoError(t, err)
	require.False(t, h2.WantsDeltaPatch(), "SBL1 does not opt into delta patches")
}
