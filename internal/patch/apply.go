package patch

import (
	"hash/crc32"

	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"github.com/hashicorp/go-multierror"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"zappem.net/pub/debug/xcrc32"
)

// Source reads bytes from the partition or UBI volume a patch is
// applied against, for the pre-condition CRC check of spec §4.3.
type Source interface {
	ReadRange(offset, length uint32) ([]byte, error)
}

// Destination is the sink a reconstructed image is streamed into: C4's
// raw and UBI writers satisfy this; a swifota writer is used through
// internal/session's adapter.
type Destination interface {
	WriteChunk(b []byte) (int, error)
	Finish(expectedCRC uint32, expectedSize uint32) error
}

// ScratchDir overrides the directory newScratchFile uses; tests set
// this to a per-test temp dir. Empty means os.TempDir().
type Context struct {
	Meta       *Meta
	Source     Source
	Dest       Destination
	ScratchDir string

	scratch      *scratchFile
	slicesSeen   uint32
	sliceWant    *Slice
	sliceWritten uint32
	sourceOK     bool

	// destCRC/destWritten accumulate across every slice of the patch
	// set, so the final slice can verify the whole reconstructed image
	// against DestCRC32/DestSize without ever holding more than one
	// slice's segment in memory.
	destCRC     uint32
	destWritten uint32
}

// Result reports what Apply accomplished for one chunk of slice-header
// or slice-payload bytes.
type Result struct {
	Consumed       int
	WrittenToFlash int
	Flashed        bool
	Completed      bool
}

// NewContext prepares a patch-application context for one patch set
// (one Meta plus its NumPatches slices). It does not check the source
// CRC; the first BeginSlice does, and only a NODIFF patch whose
// OrigSize and OrigCRC32 are both zero skips that check.
func NewContext(meta *Meta, src Source, dst Destination, scratchDir string) *Context {
	return &Context{Meta: meta, Source: src, Dest: dst, ScratchDir: scratchDir}
}

// checkSource verifies the pre-condition: source[0..orig_size] CRC32
// equals orig_crc32. NODIFF images with OrigSize==0 and OrigCRC32==0
// (no meaningful predecessor) skip the check.
func (c *Context) checkSource() error {
	if c.sourceOK {
		return nil
	}
	if c.Meta.Kind() == DiffNODIFF && c.Meta.OrigSize == 0 && c.Meta.OrigCRC32 == 0 {
		c.sourceOK = true
		return nil
	}
	data, err := c.Source.ReadRange(0, c.Meta.OrigSize)
	if err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "patch: read source for precondition check")
	}
	_, crc := xcrc32.NewCRC32(data)
	if crc != c.Meta.OrigCRC32 {
		return ferrors.Newf(ferrors.SourceMismatch, "patch: source crc mismatch: got=0x%08x want=0x%08x", crc, c.Meta.OrigCRC32)
	}
	c.sourceOK = true
	return nil
}

// BeginSlice starts a new slice within this patch set, truncating (or
// allocating) the shared scratch file.
func (c *Context) BeginSlice(s *Slice) error {
	if err := c.checkSource(); err != nil {
		return err
	}
	if c.scratch == nil {
		sf, err := newScratchFile(c.ScratchDir)
		if err != nil {
			return err
		}
		c.scratch = sf
	} else if err := c.scratch.truncate(); err != nil {
		return err
	}
	c.sliceWant = s
	c.sliceWritten = 0
	return nil
}

// FeedSlicePayload stages slice-body bytes to the scratch file. When
// the slice is complete (sliceWritten == sliceWant.Size), it dispatches
// to the diff-kind-specific reconstruction and, for the final slice of
// the patch set, verifies the destination and releases the scratch
// file.
func (c *Context) FeedSlicePayload(b []byte) (Result, error) {
	if c.sliceWant == nil {
		return Result{}, ferrors.New(ferrors.Fault, "patch: FeedSlicePayload called before BeginSlice")
	}
	take := b
	remaining := c.sliceWant.Size - c.sliceWritten
	if uint32(len(take)) > remaining {
		take = take[:remaining]
	}

	switch c.Meta.Kind() {
	case DiffNODIFF:
		// NODIFF: the payload IS the destination image; pipe straight
		// to the writer instead of staging it.
		n, err := c.Dest.WriteChunk(take)
		if err != nil {
			c.release()
			return Result{}, ferrors.Wrap(ferrors.IoWriteFailed, err, "patch: NODIFF write")
		}
		c.sliceWritten += uint32(n)
		res := Result{Consumed: n, WrittenToFlash: n, Flashed: true}
		if c.sliceWritten == c.sliceWant.Size {
			c.slicesSeen++
			if c.slicesSeen == c.Meta.NumPatches {
				if err := c.Dest.Finish(c.Meta.DestCRC32, c.Meta.DestSize); err != nil {
					c.release()
					return res, err
				}
				res.Completed = true
				c.release()
			}
		}
		return res, nil

	default:
		if err := c.scratch.write(take); err != nil {
			c.release()
			return Result{}, ferrors.Wrap(ferrors.Fault, err, "patch: stage slice payload")
		}
		c.sliceWritten += uint32(len(take))
		res := Result{Consumed: len(take)}
		if c.sliceWritten < c.sliceWant.Size {
			return res, nil
		}
		c.slicesSeen++
		last := c.slicesSeen == c.Meta.NumPatches
		written, err := c.reconstruct(last)
		if err != nil {
			c.release()
			return res, err
		}
		res.WrittenToFlash = written
		res.Flashed = written > 0
		if last {
			res.Completed = true
			c.release()
		}
		return res, nil
	}
}

// reconstruct applies the staged slice against only that slice's own
// source segment to produce that slice's own segment of the
// destination image, dispatching by diff kind. It returns the number
// of destination bytes written to flash for this slice. A patch set
// with NumPatches > 1 calls this once per slice, each writing only its
// own segment — never the whole image — so the destination receives
// exactly DestSize bytes in total rather than the full image repeated
// once per slice.
func (c *Context) reconstruct(lastSlice bool) (int, error) {
	payload, err := c.scratch.bytes()
	if err != nil {
		return 0, ferrors.Wrap(ferrors.Fault, err, "patch: read staged slice")
	}
	s := c.sliceWant

	switch c.Meta.Kind() {
	case DiffBSDIFF40:
		if c.Meta.TargetsUBI() {
			return 0, ferrors.New(ferrors.Unsupported, "patch: BSDIFF40 rejects UBI targets")
		}
		src, err := c.sourceSegment(s)
		if err != nil {
			return 0, ferrors.Wrap(ferrors.Fault, err, "patch: read bsdiff source segment")
		}
		dest, err := bspatch.Bytes(src, payload)
		if err != nil {
			return 0, ferrors.Wrap(ferrors.Fault, err, "patch: bspatch apply")
		}
		return c.writeSegment(dest, lastSlice)

	case DiffIMGDIFF2:
		src, err := c.sourceSegment(s)
		if err != nil {
			return 0, ferrors.Wrap(ferrors.Fault, err, "patch: read imgdiff source segment")
		}
		dest, err := applyImgdiff2(src, payload)
		if err != nil {
			return 0, ferrors.Wrap(ferrors.Fault, err, "patch: imgdiff apply")
		}
		return c.writeSegment(dest, lastSlice)

	default:
		return 0, ferrors.Newf(ferrors.Unsupported, "patch: unhandled diff kind %s", c.Meta.Kind())
	}
}

// sourceSegment reads the slice of the source image this slice's
// patch payload was computed against: Meta.SegmentSize bytes starting
// at the slice's declared offset, clamped to what's left of the
// source for a final, short segment. SegmentSize == 0 means the patch
// set was not segmented at all (the common NumPatches == 1 case), so
// the whole remainder of the source from Offset is read in one piece.
func (c *Context) sourceSegment(s *Slice) ([]byte, error) {
	if s.Offset > c.Meta.OrigSize {
		return nil, ferrors.Newf(ferrors.ParseError, "patch: slice offset %d exceeds source size %d", s.Offset, c.Meta.OrigSize)
	}
	segLen := c.Meta.SegmentSize
	if segLen == 0 || s.Offset+segLen > c.Meta.OrigSize {
		segLen = c.Meta.OrigSize - s.Offset
	}
	return c.Source.ReadRange(s.Offset, segLen)
}

// writeSegment appends one slice's reconstructed destination segment
// and folds it into the running CRC32/length that spans every slice of
// the patch set, so the last slice can verify the whole destination
// image's size and CRC without ever assembling it in memory at once.
func (c *Context) writeSegment(dest []byte, lastSlice bool) (int, error) {
	n, err := c.Dest.WriteChunk(dest)
	if err != nil {
		return n, ferrors.Wrap(ferrors.IoWriteFailed, err, "patch: write reconstructed segment")
	}
	c.destCRC = crc32.Update(c.destCRC, crc32.IEEETable, dest[:n])
	c.destWritten += uint32(n)
	if lastSlice {
		if err := c.verifyAccumulatedDest(); err != nil {
			return n, err
		}
		if err := c.Dest.Finish(c.Meta.DestCRC32, c.Meta.DestSize); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *Context) verifyAccumulatedDest() error {
	var errs *multierror.Error
	if c.destWritten != c.Meta.DestSize {
		errs = multierror.Append(errs, ferrors.Newf(ferrors.CrcMismatch, "patch: destination size %d != expected %d", c.destWritten, c.Meta.DestSize))
	}
	if c.destCRC != c.Meta.DestCRC32 {
		errs = multierror.Append(errs, ferrors.Newf(ferrors.CrcMismatch, "patch: destination crc 0x%08x != expected 0x%08x", c.destCRC, c.Meta.DestCRC32))
	}
	return errs.ErrorOrNil()
}

func (c *Context) release() {
	if c.scratch != nil {
		c.scratch.release()
		c.scratch = nil
	}
}

// Abort releases all resources held by an in-progress patch
// application. Call on any error exit path that does not reach a
// normal Completed result.
func (c *Context) Abort() {
	c.release()
}
