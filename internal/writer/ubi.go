package writer

import (
	"hash/crc32"

	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
)

// UbiWriter streams a destination image into a UBI volume a LEB at a
// time, verifying the accumulated UBI-volume CRC against the CWE
// header / patch-meta CRC on close (spec §4.4).
type UbiWriter struct {
	dev     flash.UBIDevice
	volID   int
	lebSize uint32
	cursor  uint64
	hash    uint32
	pending []byte
	done    bool
}

// BeginUBIWrite creates (or reuses, if create is false) a UBI volume
// and returns a writer for it.
func BeginUBIWrite(dev flash.UBIDevice, volID int, name string, volType flash.VolType, size uint64, create bool) (*UbiWriter, error) {
	if create {
		if err := dev.CreateVolume(volID, name, volType, 0, size); err != nil {
			return nil, err
		}
	}
	info, err := dev.Info()
	if err != nil {
		return nil, err
	}
	if _, err := dev.ScanUBI(volID); err != nil {
		return nil, err
	}
	return &UbiWriter{dev: dev, volID: volID, lebSize: info.EraseSize}, nil
}

// WriteChunk buffers bytes and flushes whole LEBs as they fill, padding
// a final partial LEB with 0xFF only once Finish is called.
func (w *UbiWriter) WriteChunk(b []byte) (int, error) {
	if w.done {
		return 0, ferrors.New(ferrors.Fault, "writer: ubi WriteChunk after Finish")
	}
	w.hash = crc32.Update(w.hash, crc32.IEEETable, b)
	w.pending = append(w.pending, b...)
	leb := uint32(w.cursor / uint64(w.lebSize))
	for uint32(len(w.pending)) >= w.lebSize {
		if err := w.dev.WriteUBIBlock(leb, w.pending[:w.lebSize]); err != nil {
			return 0, ferrors.Wrap(ferrors.IoWriteFailed, err, "writer: ubi leb write")
		}
		w.pending = w.pending[w.lebSize:]
		w.cursor += uint64(w.lebSize)
		leb++
	}
	return len(b), nil
}

// Finish flushes any partial final LEB (0xFF-padded) and verifies the
// accumulated CRC32 against expectedCRC.
func (w *UbiWriter) Finish(expectedCRC uint32, expectedSize uint32) error {
	w.done = true
	if len(w.pending) > 0 {
		leb := uint32(w.cursor / uint64(w.lebSize))
		buf := make([]byte, w.lebSize)
		for i := range buf {
			buf[i] = 0xFF
		}
		copy(buf, w.pending)
		if err := w.dev.WriteUBIBlock(leb, buf); err != nil {
			return ferrors.Wrap(ferrors.IoWriteFailed, err, "writer: ubi final leb write")
		}
		w.cursor += uint64(len(w.pending))
		w.pending = nil
	}
	if uint32(w.cursor) != expectedSize {
		return ferrors.Newf(ferrors.CrcMismatch, "writer: ubi wrote %d bytes, expected %d", w.cursor, expectedSize)
	}
	if w.hash != expectedCRC {
		return ferrors.Newf(ferrors.CrcMismatch, "writer: ubi accumulated crc 0x%08x != expected 0x%08x", w.hash, expectedCRC)
	}
	if err := w.dev.AdjustSize(uint64(expectedSize)); err != nil {
		return err
	}
	return w.dev.CloseUBIVolume()
}
