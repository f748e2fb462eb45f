// Package session wires C1 through C8 into the single DownloadSession
// value spec §9's redesign notes call for: one parser, one writer
// chain, one resume-context object, owned explicitly by the caller
// instead of living as package-level globals.
package session

import (
	"hash/crc32"

	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
	"github.com/tinkerator/fwupdate/internal/partmap"
	"github.com/tinkerator/fwupdate/internal/patch"
	"github.com/tinkerator/fwupdate/internal/stream"
	"github.com/tinkerator/fwupdate/internal/writer"
)

// DeviceOpener abstracts opening an MTD/UBI device by its partmap mtd
// number, so the production binary can back it with /dev/mtdN while
// tests back it with internal/flash/sim.
type DeviceOpener interface {
	OpenRaw(mtdNum int, name string, mode flash.Mode) (flash.Device, error)
	OpenUBI(mtdNum int, name string, mode flash.Mode, force bool) (flash.UBIDevice, error)
}

// sblNumPEB is the total PEB count of the SBL partition (both halves
// combined); it is fixed by the platform's partition table, not
// discovered at runtime, since LocateValidHalf/ScrubWrite both need it
// up front.
const sblNumPEB = 8

// router implements stream.Router on top of one DownloadSession,
// opening the right writer for each leaf or patch target as the
// parser discovers it.
type router struct {
	s *DownloadSession

	// swifota is lazily opened on the first leaf of a single-system
	// download and shared by every subsequent component.
	swifota *writer.SwifotaWriter
}

func (r *router) OpenLeaf(h *cwe.Header) (stream.Sink, error) {
	if h.ImageType == cwe.TypeSBL1 {
		return newSblSink(r.s), nil
	}
	if r.s.Deployment.DualSystem {
		return r.openDualRaw(h)
	}
	return r.openSwifotaLeaf(h)
}

func (r *router) OpenPatch(h *cwe.Header, meta *patch.Meta) (*patch.Context, error) {
	if h.ImageType == cwe.TypeSBL1 {
		return nil, ferrors.New(ferrors.NotPermitted, "session: SBL cannot be delta-patched")
	}

	mtdNum, name, err := partmap.Resolve(h.ImageType, false)
	if err != nil {
		return nil, err
	}
	activeMtdNum, activeName, err := partmap.Resolve(h.ImageType, true)
	if err != nil {
		return nil, err
	}

	var src patch.Source
	var dst patch.Destination

	if meta.TargetsUBI() {
		if r.s.Deployment.DualSystem {
			dev, err := r.s.Opener.OpenUBI(mtdNum, name, flash.ModeReadWrite, true)
			if err != nil {
				return nil, err
			}
			w, err := writer.BeginUBIWrite(dev, int(meta.UBIVolID), name, flash.VolType(meta.UBIVolType), uint64(meta.DestSize), true)
			if err != nil {
				return nil, err
			}
			dst = w
		} else {
			sw, err := r.openSwifota()
			if err != nil {
				return nil, err
			}
			w, err := sw.OpenUBIVolume(int(meta.UBIVolID), name, flash.VolType(meta.UBIVolType), uint64(meta.DestSize), true)
			if err != nil {
				return nil, err
			}
			dst = w
		}
		srcDev, err := r.s.Opener.OpenUBI(activeMtdNum, activeName, flash.ModeRead, false)
		if err != nil {
			return nil, err
		}
		src = &ubiSource{dev: srcDev}
	} else {
		if r.s.Deployment.DualSystem {
			dev, err := r.s.Opener.OpenRaw(mtdNum, name, flash.ModeReadWrite)
			if err != nil {
				return nil, err
			}
			w, err := writer.BeginRawWrite(dev, meta.DestSize)
			if err != nil {
				return nil, err
			}
			dst = &rawLeafSink{w: w, dev: dev}
		} else {
			sink, err := r.openSwifotaLeaf(h)
			if err != nil {
				return nil, err
			}
			dst = sink.(*swifotaLeafSink)
		}
		srcDev, err := r.s.Opener.OpenRaw(activeMtdNum, activeName, flash.ModeRead)
		if err != nil {
			return nil, err
		}
		src = &rawSource{dev: srcDev}
	}

	return patch.NewContext(meta, src, dst, r.s.ScratchDir), nil
}

func (r *router) openDualRaw(h *cwe.Header) (stream.Sink, error) {
	mtdNum, name, err := partmap.Resolve(h.ImageType, false)
	if err != nil {
		return nil, err
	}
	dev, err := r.s.Opener.OpenRaw(mtdNum, name, flash.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	w, err := writer.BeginRawWrite(dev, h.ImageSize)
	if err != nil {
		return nil, err
	}
	return &rawLeafSink{w: w, dev: dev}, nil
}

// openDualRawResume reopens the raw-flash partition a direct (non-SBL)
// leaf was writing to when the download was interrupted, continuing
// its writer at resumeOffset/resumeCRC instead of erasing and starting
// over (spec §4.6 / Concrete Scenario 2: a leaf interrupted partway
// through its body resumes byte-exact, not leaf-from-scratch).
func (r *router) openDualRawResume(h *cwe.Header, resumeOffset, resumeCRC uint32) (stream.Sink, error) {
	mtdNum, name, err := partmap.Resolve(h.ImageType, false)
	if err != nil {
		return nil, err
	}
	dev, err := r.s.Opener.OpenRaw(mtdNum, name, flash.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	w, err := writer.ResumeRawWrite(dev, h.ImageSize, resumeOffset, resumeCRC)
	if err != nil {
		return nil, err
	}
	return &rawLeafSink{w: w, dev: dev}, nil
}

func (r *router) openSwifota() (*writer.SwifotaWriter, error) {
	if r.swifota != nil {
		return r.swifota, nil
	}
	dev, err := r.s.Opener.OpenUBI(0, partmap.Swifota, flash.ModeReadWrite, true)
	if err != nil {
		return nil, err
	}
	sw, err := writer.OpenSwifota(dev)
	if err != nil {
		return nil, err
	}
	r.swifota = sw
	return sw, nil
}

func (r *router) openSwifotaLeaf(h *cwe.Header) (stream.Sink, error) {
	sw, err := r.openSwifota()
	if err != nil {
		return nil, err
	}
	return &swifotaLeafSink{sw: sw, base: sw.GetOffset()}, nil
}

// rawLeafSink adapts writer.RawWriter (and the device it owns) to
// stream.Sink / patch.Destination, closing the device once the
// component is fully verified.
type rawLeafSink struct {
	w   *writer.RawWriter
	dev flash.Device
}

func (s *rawLeafSink) WriteChunk(b []byte) (int, error) { return s.w.WriteChunk(b) }

func (s *rawLeafSink) Finish(expectedCRC, expectedSize uint32) error {
	if err := s.w.Finish(expectedCRC, expectedSize); err != nil {
		s.dev.Close()
		return err
	}
	return s.dev.Close()
}

// swifotaLeafSink adapts writer.SwifotaWriter's offset-addressed
// WriteChunk to the sequential Sink contract, keeping its own CRC
// accumulator per component since SwifotaWriter's own running hash
// spans every component written and is not exposed.
type swifotaLeafSink struct {
	sw     *writer.SwifotaWriter
	base   uint64
	cursor uint64
	hash   uint32
}

func (s *swifotaLeafSink) WriteChunk(b []byte) (int, error) {
	n, err := s.sw.WriteChunk(s.base+s.cursor, b)
	if err != nil {
		return n, err
	}
	s.hash = crc32.Update(s.hash, crc32.IEEETable, b[:n])
	s.cursor += uint64(n)
	return n, nil
}

func (s *swifotaLeafSink) Finish(expectedCRC, expectedSize uint32) error {
	if uint32(s.cursor) != expectedSize {
		return ferrors.Newf(ferrors.CrcMismatch, "session: swifota component wrote %d bytes, expected %d", s.cursor, expectedSize)
	}
	if s.hash != expectedCRC {
		return ferrors.Newf(ferrors.CrcMismatch, "session: swifota component crc 0x%08x != expected 0x%08x", s.hash, expectedCRC)
	}
	return nil
}

// rawSource reads a patch's precondition bytes back out of a raw-flash
// partition device.
type rawSource struct {
	dev flash.Device
}

func (s *rawSource) ReadRange(offset, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.dev.ReadAt(uint64(offset), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ubiSource reads a patch's precondition bytes back out of a UBI
// volume, LEB by LEB.
type ubiSource struct {
	dev flash.UBIDevice
}

func (s *ubiSource) ReadRange(offset, length uint32) ([]byte, error) {
	if offset != 0 {
		return nil, ferrors.New(ferrors.Unsupported, "session: ubi source only supports reading from offset 0")
	}
	buf := make([]byte, length)
	info, err := s.dev.Info()
	if err != nil {
		return nil, err
	}
	total := uint32(0)
	leb := uint32(0)
	for total < length {
		want := info.EraseSize
		if length-total < want {
			want = length - total
		}
		n, err := s.dev.ReadUBIBlock(leb, buf[total:total+want])
		if err != nil {
			return nil, err
		}
		total += uint32(n)
		leb++
	}
	return buf, nil
}
