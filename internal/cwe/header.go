package cwe

import (
	"bytes"
	"encoding/binary"

	"github.com/tinkerator/fwupdate/internal/ferrors"
	"zappem.net/pub/debug/xcrc32"
)

// Header is the decoded form of a 400-byte CWE descriptor (spec §3).
// Field order and sizes match the wire layout exactly; numeric fields
// are big-endian on the wire, so the struct decodes directly via
// binary.Read.
type Header struct {
	ProductSpecificBuffer [PSBSize]byte
	CrcPSB                uint32
	HdrRev                uint32
	CrcIndicator          uint32
	ImageType             ImageType
	ProductType           uint32
	ImageSize             uint32
	ImageCRC32            uint32
	Version               [84]byte
	ReleaseDate           [8]byte
	Compat                uint32
	MiscOpts              byte
	Reserved              [3]byte
	StorageAddr           uint32
	ProgramAddr           uint32
	Entry                 uint32
	Signature             uint32
}

// ExpectedProductType is the build-time constant every header's
// ProductType field must match (spec §3, item 7). It is a variable, not
// a const, so a production build can set it once at startup from the
// target's build configuration without forking this package.
var ExpectedProductType uint32 = 0x00000009

// LoadHeader decodes and validates a 400-byte CWE header, applying the
// seven checks of spec §4.2 in order. It never reads beyond the given
// slice.
func LoadHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, ferrors.Newf(ferrors.ParseError, "cwe: header must be exactly %d bytes, got %d", HeaderSize, len(buf))
	}

	var h Header
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &h); err != nil {
		return nil, ferrors.Wrap(ferrors.ParseError, err, "cwe: decode header")
	}

	// 1. crc_psb over the first 256 bytes.
	_, gotPSB := xcrc32.NewCRC32(buf[:PSBSize])
	if gotPSB != h.CrcPSB {
		return nil, ferrors.Newf(ferrors.ParseError, "cwe: crc_psb mismatch: got=0x%08x want=0x%08x", gotPSB, h.CrcPSB)
	}

	// 2. hdr_rev.
	if h.HdrRev < MinHeaderRevision {
		return nil, ferrors.Newf(ferrors.ParseError, "cwe: hdr_rev %d below minimum %d", h.HdrRev, MinHeaderRevision)
	}

	// 3. image_type must be in the closed set.
	if !h.ImageType.Known() {
		return nil, ferrors.Newf(ferrors.ParseError, "cwe: unknown image_type %q", h.ImageType)
	}

	// 5. compressed images are unsupported. (Ordered here, ahead of the
	// composite/signature checks, so an unsupported image is reported
	// as such even if it is also a composite or APPL type.)
	if h.MiscOpts&MiscCompress != 0 {
		return nil, ferrors.New(ferrors.Unsupported, "cwe: compressed images are not supported")
	}

	// 6. APPL images carry a signature.
	if h.ImageType == TypeAPPL && h.Signature != Appsign() {
		return nil, ferrors.Newf(ferrors.ParseError, "cwe: APPL signature mismatch: got=0x%08x want=0x%08x", h.Signature, Appsign())
	}

	// 7. product_type must match the build-time expectation.
	if h.ProductType != ExpectedProductType {
		return nil, ferrors.Newf(ferrors.ParseError, "cwe: product_type 0x%08x, expected 0x%08x", h.ProductType, ExpectedProductType)
	}

	// Leaf images must declare a non-zero payload (spec §8 boundary
	// case: zero-byte image is a ParseError).
	if !h.ImageType.Composite() && h.ImageSize == 0 {
		return nil, ferrors.New(ferrors.ParseError, "cwe: image_size must be non-zero for a leaf image")
	}

	return &h, nil
}

// WantsDeltaPatch reports whether this leaf header's payload is a
// delta-patch stream rather than a raw image, per spec §4.5: the
// MiscOpts DELTAPATCH bit is set AND the image type opts into deltas.
func (h *Header) WantsDeltaPatch() bool {
	return h.MiscOpts&MiscDeltaPatch != 0 && h.ImageType.DeltaEligible()
}

// VerifyPayloadCRC checks an accumulated body CRC against the header's
// declared image_crc32.
func (h *Header) VerifyPayloadCRC(got uint32) error {
	if got != h.ImageCRC32 {
		return ferrors.Newf(ferrors.CrcMismatch, "cwe: %s payload crc mismatch: got=0x%08x want=0x%08x", h.ImageType, got, h.ImageCRC32)
	}
	return nil
}
