package writer

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
)

// SBLPreamble is the 8-byte magic the SBL scrub procedure scans for to
// locate the currently-valid half of the SBL partition (spec §4.4).
var SBLPreamble = []byte{0xD1, 0xDC, 0x4B, 0x84, 0x34, 0x10, 0xD7, 0x73}

// SBLMaxPass is the number of scrub directions, low-to-high and
// high-to-low (spec §4.4). ScrubWrite does one pass per call, toward
// the half opposite validHalf, and does not reference this constant.
const SBLMaxPass = 2

// Each SBL half is prefixed with a scrub-local header: the 8-byte
// preamble, a big-endian payload length, and a big-endian payload
// CRC32. This lets LocateValidHalf judge a half's validity from its
// own flash contents alone, without the caller having to already know
// the CRC of whatever image was installed there by a prior update.
const sblLocalHeaderSize = 16

func writeSBLLocalHeader(payload []byte, payloadCRC uint32) []byte {
	out := make([]byte, sblLocalHeaderSize+len(payload))
	copy(out, SBLPreamble)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(out[12:16], payloadCRC)
	copy(out[sblLocalHeaderSize:], payload)
	return out
}

// SBLHalf identifies which half of the SBL partition a scrub targets.
type SBLHalf int

const (
	SBLLow SBLHalf = iota
	SBLHigh
)

func (h SBLHalf) other() SBLHalf {
	if h == SBLLow {
		return SBLHigh
	}
	return SBLLow
}

// LocateValidHalf scans dev for SBLPreamble at the start of the low
// half and the start of the high half, returning whichever half's
// scrub-local header is present and whose payload CRC32 validates
// against it. half size is numPEB/2 PEBs.
func LocateValidHalf(dev flash.Device, numPEB uint32) (SBLHalf, error) {
	info, err := dev.Info()
	if err != nil {
		return 0, err
	}
	halfPEBs := numPEB / 2
	for _, half := range []SBLHalf{SBLLow, SBLHigh} {
		base := uint64(0)
		if half == SBLHigh {
			base = uint64(halfPEBs) * uint64(info.EraseSize)
		}
		head := make([]byte, sblLocalHeaderSize)
		if _, err := dev.ReadAt(base, head); err != nil {
			continue
		}
		if !bytes.Equal(head[:8], SBLPreamble) {
			continue
		}
		size := binary.BigEndian.Uint32(head[8:12])
		wantCRC := binary.BigEndian.Uint32(head[12:16])
		body := make([]byte, size)
		if _, err := dev.ReadAt(base+sblLocalHeaderSize, body); err != nil {
			continue
		}
		if crc32.ChecksumIEEE(body) == wantCRC {
			return half, nil
		}
	}
	return 0, ferrors.New(ferrors.Fault, "writer: no valid sbl half found")
}

// ScrubWrite writes payload (plus its scrub-local header) to the half
// opposite the current valid one, verifies it, then erases the stale
// half — guaranteeing that a power failure at any point leaves at
// least one valid SBL (spec §4.4, §8 invariant 5). payloadCRC is the
// CWE header's declared image_crc32 for payload, carried into the new
// half's local header so a subsequent LocateValidHalf can judge it
// without needing to be told the CRC externally.
func ScrubWrite(dev flash.Device, numPEB uint32, validHalf SBLHalf, payload []byte, payloadCRC uint32) error {
	info, err := dev.Info()
	if err != nil {
		return err
	}
	halfPEBs := numPEB / 2
	target := validHalf.other()
	targetBase := uint64(0)
	if target == SBLHigh {
		targetBase = uint64(halfPEBs) * uint64(info.EraseSize)
	}

	for i := uint32(0); i < halfPEBs; i++ {
		peb := uint32(targetBase/uint64(info.EraseSize)) + i
		if err := eraseIfDirty(dev, peb); err != nil {
			return err
		}
	}

	image := writeSBLLocalHeader(payload, payloadCRC)
	imageCRC := crc32.ChecksumIEEE(image)

	w := &RawWriter{dev: dev, eraseSize: info.EraseSize, writeSize: info.WriteSize, size: uint32(len(image)), cursor: targetBase}
	if _, err := w.WriteChunk(image); err != nil {
		return err
	}
	// The cursor started at targetBase, so a complete write ends at
	// targetBase+len(image).
	if err := w.Finish(imageCRC, uint32(targetBase)+uint32(len(image))); err != nil {
		return err
	}
	if err := CheckData(dev, targetBase, uint32(len(image)), imageCRC); err != nil {
		return err
	}

	// New half verified; only now erase the stale half.
	staleBase := uint64(0)
	if validHalf == SBLHigh {
		staleBase = uint64(halfPEBs) * uint64(info.EraseSize)
	}
	for i := uint32(0); i < halfPEBs; i++ {
		peb := uint32(staleBase/uint64(info.EraseSize)) + i
		if err := dev.Erase(peb); err != nil {
			return err
		}
	}
	return nil
}
