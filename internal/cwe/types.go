// Package cwe decodes the vendor CWE container format: fixed 400-byte
// big-endian headers that describe either a composite image (further
// children follow) or a leaf image (a raw or delta-patched payload).
//
// The parser only ever touches the 400 header bytes handed to it; it
// never reads payload bytes itself (spec §4.2).
package cwe

// ImageType is the 4-character code at offset 268 of a CWE header.
type ImageType [4]byte

func (t ImageType) String() string { return string(t[:]) }

// Known image types (spec §3). The set is closed: LoadHeader rejects
// any code not in this table.
var (
	TypeAPPL = ImageType{'A', 'P', 'P', 'L'}
	TypeMODM = ImageType{'M', 'O', 'D', 'M'}
	TypeSPKG = ImageType{'S', 'P', 'K', 'G'}
	TypeBOOT = ImageType{'B', 'O', 'O', 'T'}

	TypeSBL1 = ImageType{'S', 'B', 'L', '1'}
	TypeDSP2 = ImageType{'D', 'S', 'P', '2'}
	TypeAPPS = ImageType{'A', 'P', 'P', 'S'}
	TypeAPBL = ImageType{'A', 'P', 'B', 'L'}
	TypeSYST = ImageType{'S', 'Y', 'S', 'T'}
	TypeUSER = ImageType{'U', 'S', 'E', 'R'}
	TypeTZON = ImageType{'T', 'Z', 'O', 'N'}
	TypeQRPM = ImageType{'Q', 'R', 'P', 'M'}
	TypeNVUP = ImageType{'N', 'V', 'U', 'P'}
)

var knownTypes = map[ImageType]bool{
	TypeAPPL: true, TypeMODM: true, TypeSPKG: true, TypeBOOT: true,
	TypeSBL1: true, TypeDSP2: true, TypeAPPS: true, TypeAPBL: true,
	TypeSYST: true, TypeUSER: true, TypeTZON: true, TypeQRPM: true,
	TypeNVUP: true,
}

var compositeTypes = map[ImageType]bool{
	TypeAPPL: true, TypeMODM: true, TypeSPKG: true, TypeBOOT: true,
}

// deltaEligible is the set of leaf image types that may opt into a
// delta-patch payload via the MiscDeltaPatch bit (spec §4.5).
var deltaEligible = map[ImageType]bool{
	TypeUSER: true, TypeDSP2: true, TypeSYST: true,
}

// Composite reports whether images of this type carry child CWE
// descriptors rather than a raw payload.
func (t ImageType) Composite() bool { return compositeTypes[t] }

// Known reports whether t is one of the closed set of recognized image
// types.
func (t ImageType) Known() bool { return knownTypes[t] }

// DeltaEligible reports whether a leaf of this type is permitted to
// carry a delta-patch payload instead of a raw one.
func (t ImageType) DeltaEligible() bool { return deltaEligible[t] }

// Misc option bits within Header.MiscOpts.
const (
	MiscCompress   byte = 1 << 0
	MiscDeltaPatch byte = 1 << 1
)

// appsign is the required Header.Signature value for APPL images: the
// first four characters of "APPSIGN" packed big-endian, the same way
// the 4-character image type codes are packed.
var appsign = uint32('A')<<24 | uint32('P')<<16 | uint32('P')<<8 | uint32('S')

// Appsign returns the expected Header.Signature value for APPL images.
func Appsign() uint32 { return appsign }

// HeaderSize is the fixed, wire-exact size of a CWE header.
const HeaderSize = 400

// PSBSize is the size of the product_specific_buffer field covered by
// CrcPSB.
const PSBSize = 256

// MinHeaderRevision is the lowest hdr_rev this parser accepts.
const MinHeaderRevision = 3
