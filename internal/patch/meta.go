// Package patch implements the delta patch engine (spec §4.3): parsing
// the BSDIFF40/IMGDIFF2/NODIFF meta and slice headers and dispatching
// each patch to the right reconstruction strategy.
package patch

import (
	"bytes"
	"encoding/binary"

	"github.com/tinkerator/fwupdate/internal/ferrors"
)

// DiffKind identifies which of the three recognized patch encodings a
// PatchMeta declares.
type DiffKind int

const (
	DiffUnknown DiffKind = iota
	DiffBSDIFF40
	DiffIMGDIFF2
	DiffNODIFF
)

func (k DiffKind) String() string {
	switch k {
	case DiffBSDIFF40:
		return "BSDIFF40"
	case DiffIMGDIFF2:
		return "IMGDIFF2"
	case DiffNODIFF:
		return "NODIFF"
	default:
		return "unknown"
	}
}

// MetaSize is the wire size of a PatchMeta header.
const MetaSize = 256

// rawDiffTypeSize is the 16-byte magic field at the start of MetaSize.
const rawDiffTypeSize = 16

var diffMagics = map[string]DiffKind{
	"BSDIFF40\x00\x00\x00\x00\x00\x00\x00\x00": DiffBSDIFF40,
	"IMGDIFF2\x00\x00\x00\x00\x00\x00\x00\x00": DiffIMGDIFF2,
	"NODIFF\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00": DiffNODIFF,
}

// UBIRaw marks a PatchMeta.UBIVolID value meaning "the target is raw
// flash, not a UBI volume" (spec §3).
const UBIRaw uint16 = 0xFFFF

// Meta is the decoded delta-patch meta header (spec §3).
type Meta struct {
	DiffType    [16]byte
	SegmentSize uint32
	NumPatches  uint32
	UBIVolID    uint16
	UBIVolType  uint8
	UBIVolFlags uint8
	OrigSize    uint32
	OrigCRC32   uint32
	DestSize    uint32
	DestCRC32   uint32
}

// Kind classifies the meta's DiffType field.
func (m *Meta) Kind() DiffKind {
	return diffMagics[string(m.DiffType[:])]
}

// TargetsUBI reports whether the destination is a UBI volume rather
// than raw flash.
func (m *Meta) TargetsUBI() bool { return m.UBIVolID != UBIRaw }

// LoadMeta decodes and validates a 256-byte patch meta header.
func LoadMeta(buf []byte) (*Meta, error) {
	if len(buf) != MetaSize {
		return nil, ferrors.Newf(ferrors.ParseError, "patch: meta must be exactly %d bytes, got %d", MetaSize, len(buf))
	}
	var m Meta
	if err := binary.Read(bytes.NewReader(buf[:unpaddedMetaWireSize]), binary.BigEndian, &m); err != nil {
		return nil, ferrors.Wrap(ferrors.ParseError, err, "patch: decode meta")
	}
	if m.Kind() == DiffUnknown {
		return nil, ferrors.Newf(ferrors.Unsupported, "patch: unrecognized diff_type %q", trimMagic(m.DiffType[:]))
	}
	if m.Kind() == DiffBSDIFF40 && m.TargetsUBI() {
		return nil, ferrors.New(ferrors.Unsupported, "patch: BSDIFF40 cannot target a UBI volume")
	}
	return &m, nil
}

// unpaddedMetaWireSize is the number of bytes the Meta struct actually
// occupies on the wire; the remainder of the 256-byte block is
// reserved/padding the parser does not interpret.
const unpaddedMetaWireSize = 16 + 4 + 4 + 2 + 1 + 1 + 4 + 4 + 4 + 4

func trimMagic(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b)
	}
	return string(b[:i])
}
