package session

import (
	"bytes"

	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
	"github.com/tinkerator/fwupdate/internal/partmap"
	"github.com/tinkerator/fwupdate/internal/writer"
)

// sblSink buffers an incoming SBL body in memory — SBL images are
// small (a few PEBs) by design — and performs the scrub-write only
// once the whole image and its CRC are in hand, since ScrubWrite must
// write and verify the new half atomically before it may erase the
// stale one (spec §4.4, §8 invariant 5).
type sblSink struct {
	s   *DownloadSession
	buf bytes.Buffer
}

func newSblSink(s *DownloadSession) *sblSink {
	return &sblSink{s: s}
}

func (s *sblSink) WriteChunk(b []byte) (int, error) {
	return s.buf.Write(b)
}

func (s *sblSink) Finish(expectedCRC, expectedSize uint32) error {
	image := s.buf.Bytes()
	if uint32(len(image)) != expectedSize {
		return ferrors.Newf(ferrors.CrcMismatch, "session: sbl image %d bytes, expected %d", len(image), expectedSize)
	}

	mtdNum, name, err := partmap.Resolve(cwe.TypeSBL1, true)
	if err != nil {
		return err
	}
	dev, err := s.s.Opener.OpenRaw(mtdNum, name, flash.ModeReadWrite)
	if err != nil {
		return err
	}
	defer dev.Close()

	valid, err := writer.LocateValidHalf(dev, sblNumPEB)
	if err != nil {
		return err
	}
	return writer.ScrubWrite(dev, sblNumPEB, valid, image, expectedCRC)
}
