// Package writer implements the partition write engine (spec §4.4):
// chunked, CRC-accumulating writers for raw-flash partitions, UBI
// volumes, and the single-system swifota staging partition, plus the
// SBL scrub procedure.
package writer

import (
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
	"hash/crc32"
)

// RawWriter streams a CWE leaf image's body into a raw-flash partition,
// erasing ahead of the write cursor and verifying the accumulated
// CRC32 against the declared image size and CRC on Finish.
//
// CRC accumulation here is incremental across many WriteChunk calls, so
// it uses the standard library hash/crc32 rather than
// zappem.net/pub/debug/xcrc32: the only call site this module's teacher
// demonstrates for that dependency (qftool.go) is a single whole-buffer
// convenience call, not a stateful accumulator (see DESIGN.md).
type RawWriter struct {
	dev       flash.Device
	eraseSize uint32
	writeSize uint32

	basePEB    uint32
	cursor     uint64 // bytes written so far, relative to basePEB
	erasedThru uint32 // next PEB index (relative) guaranteed erased
	actualBase uint32 // first good PEB actually written to

	size uint32
	hash uint32
	done bool
}

// BeginRawWrite opens dev for the passive slot and erases enough PEBs
// to hold size bytes, per spec §4.4's begin_raw_write.
func BeginRawWrite(dev flash.Device, size uint32) (*RawWriter, error) {
	info, err := dev.Info()
	if err != nil {
		return nil, err
	}
	w := &RawWriter{dev: dev, eraseSize: info.EraseSize, writeSize: info.WriteSize, size: size}
	needed := (size + info.EraseSize - 1) / info.EraseSize
	for i := uint32(0); i < needed; i++ {
		if err := eraseIfDirty(dev, i); err != nil {
			return nil, err
		}
	}
	w.erasedThru = needed
	w.actualBase = firstGoodPEB(dev, 0)
	return w, nil
}

// eraseIfDirty erases peb unless it already reads back all-0xFF (spec
// §4.4: "erases any PEB that is not 0xFF-clean before writing a fresh
// block"). Bad PEBs are left untouched; the writer skips over them.
func eraseIfDirty(dev flash.Device, peb uint32) error {
	bad, err := dev.IsBad(peb)
	if err != nil {
		return err
	}
	if bad {
		return nil
	}
	info, err := dev.Info()
	if err != nil {
		return err
	}
	buf := make([]byte, info.EraseSize)
	if _, err := dev.ReadAt(uint64(peb)*uint64(info.EraseSize), buf); err != nil {
		return dev.Erase(peb)
	}
	if isBlank(buf) {
		return nil
	}
	return dev.Erase(peb)
}

func isBlank(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

func firstGoodPEB(dev flash.Device, from uint32) uint32 {
	for {
		bad, err := dev.IsBad(from)
		if err != nil || !bad {
			return from
		}
		from++
	}
}

// ResumeRawWrite reopens dev for a raw leaf body interrupted partway
// through a prior write: it erases only the PEBs from resumeOffset
// onward, leaving whatever already landed at lower offsets on flash
// untouched, and picks the cursor and running CRC32 accumulator back
// up from where the interrupted attempt left off. resumeOffset must
// be erase-block aligned, matching the resume context's current_offset
// invariant (spec §3).
func ResumeRawWrite(dev flash.Device, size uint32, resumeOffset uint32, resumeCRC uint32) (*RawWriter, error) {
	info, err := dev.Info()
	if err != nil {
		return nil, err
	}
	if resumeOffset%info.EraseSize != 0 {
		return nil, ferrors.Newf(ferrors.BadParameter, "writer: resume offset %d is not erase-block aligned (%d)", resumeOffset, info.EraseSize)
	}
	w := &RawWriter{dev: dev, eraseSize: info.EraseSize, writeSize: info.WriteSize, size: size}
	needed := (size + info.EraseSize - 1) / info.EraseSize
	from := resumeOffset / info.EraseSize
	for i := from; i < needed; i++ {
		if err := eraseIfDirty(dev, i); err != nil {
			return nil, err
		}
	}
	w.erasedThru = needed
	w.actualBase = firstGoodPEB(dev, 0)
	w.cursor = uint64(resumeOffset)
	w.hash = resumeCRC
	return w, nil
}

// WriteChunk writes page-aligned bytes to the partition, tracking the
// running CRC32 and advancing past any bad blocks the device reports.
func (w *RawWriter) WriteChunk(b []byte) (int, error) {
	if w.done {
		return 0, ferrors.New(ferrors.Fault, "writer: WriteChunk after Finish")
	}
	if len(b) == 0 {
		return 0, nil
	}
	res, err := w.dev.WriteAt(w.cursor, b)
	if err != nil {
		return res.N, ferrors.Wrap(ferrors.IoWriteFailed, err, "writer: raw write")
	}
	if w.cursor == 0 {
		w.actualBase = res.ActualPEB
	}
	w.hash = crc32.Update(w.hash, crc32.IEEETable, b[:res.N])
	w.cursor += uint64(res.N)
	return res.N, nil
}

// ActualBasePEB returns the first good PEB the body actually started
// at, for staging-metadata phy_block bookkeeping (spec §3).
func (w *RawWriter) ActualBasePEB() uint32 { return w.actualBase }

// Finish verifies the accumulated CRC32 against expectedCRC and the
// byte count against expectedSize (spec §4.4 write_chunk contract).
func (w *RawWriter) Finish(expectedCRC uint32, expectedSize uint32) error {
	w.done = true
	if uint32(w.cursor) != expectedSize {
		return ferrors.Newf(ferrors.CrcMismatch, "writer: wrote %d bytes, header declares %d", w.cursor, expectedSize)
	}
	if w.hash != expectedCRC {
		return ferrors.Newf(ferrors.CrcMismatch, "writer: accumulated crc 0x%08x != header 0x%08x", w.hash, expectedCRC)
	}
	return nil
}

// CheckData re-reads [offset,offset+size) and verifies its CRC32
// matches expected, independent of any writer's in-flight accumulator
// (spec §4.4 check_data).
func CheckData(dev flash.Device, offset uint64, size uint32, expected uint32) error {
	buf := make([]byte, size)
	if _, err := dev.ReadAt(offset, buf); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "writer: check_data read")
	}
	got := crc32.ChecksumIEEE(buf)
	if got != expected {
		return ferrors.Newf(ferrors.CrcMismatch, "writer: check_data crc 0x%08x != expected 0x%08x", got, expected)
	}
	return nil
}
