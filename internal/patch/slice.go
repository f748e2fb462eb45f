package patch

import (
	"bytes"
	"encoding/binary"

	"github.com/tinkerator/fwupdate/internal/ferrors"
)

// SliceSize is the wire size of a patch slice header.
const SliceSize = 12

// Slice is the decoded delta-patch slice header (spec §3): one of
// Meta.NumPatches entries preceding that many bytes of slice payload.
type Slice struct {
	Offset uint32
	Number uint32
	Size   uint32
}

// LoadSlice decodes a 12-byte patch slice header.
func LoadSlice(buf []byte) (*Slice, error) {
	if len(buf) != SliceSize {
		return nil, ferrors.Newf(ferrors.ParseError, "patch: slice header must be exactly %d bytes, got %d", SliceSize, len(buf))
	}
	var s Slice
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &s); err != nil {
		return nil, ferrors.Wrap(ferrors.ParseError, err, "patch: decode slice header")
	}
	return &s, nil
}
