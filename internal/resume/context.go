// Package resume implements the resume context manager (spec §4.6): a
// checkpoint of in-flight download state persisted as two redundant,
// alternating-counter files so a crash or pipe closure can be resumed
// exactly at the last durably-flushed write.
package resume

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/patch"
	"zappem.net/pub/debug/xcrc32"
)

// fileA / fileB are the two redundant resume-context filenames (spec
// §6 "Persisted state files").
const (
	fileA = "fwupdate_ResumeCtx_0"
	fileB = "fwupdate_ResumeCtx_1"
)

// Context is the full persisted checkpoint of spec §3's Resume
// Context. SessionID supplements the spec's field list purely for
// diagnostics (DOMAIN STACK: google/uuid); it is covered by CtxCrc like
// every other field but never gates resume logic.
type Context struct {
	CtxCounter            uint32
	ImageType             cwe.ImageType
	ImageSize             uint32
	ImageCRC              uint32
	CurrentImageCRC       uint32
	GlobalCRC             uint32
	CurrentGlobalCRC      uint32
	TotalRead             uint64
	CurrentOffset         uint32
	FullImageLength       int64
	MiscOpts              byte
	IsFirstNvupDownloaded bool
	IsModemDownloaded     bool
	IsImageToBeRead       bool
	PatchMeta             patch.Meta
	PatchSlice            patch.Slice
	SessionID             uuid.UUID
}

// wireContext is Context plus its trailing CtxCrc, in the exact order
// bytes hit disk.
type wireContext struct {
	Context
	CtxCrc uint32
}

func paths(dir string) [2]string {
	return [2]string{filepath.Join(dir, fileA), filepath.Join(dir, fileB)}
}

// Save writes ctx to whichever of the two redundant files currently
// holds the lower (or missing/invalid) ctx_counter, assigning it a new
// counter strictly higher than its sibling's, via write-to-temp-then-
// rename (spec §4.6 save).
func Save(dir string, ctx *Context) error {
	ps := paths(dir)
	existing := [2]*Context{}
	existing[0], _ = loadOne(ps[0])
	existing[1], _ = loadOne(ps[1])

	target := 0
	switch {
	case existing[0] == nil:
		target = 0
	case existing[1] == nil:
		target = 1
	case existing[0].CtxCounter <= existing[1].CtxCounter:
		target = 0
	default:
		target = 1
	}

	next := uint32(1)
	if o := existing[1-target]; o != nil {
		next = o.CtxCounter + 1
	}
	ctx.CtxCounter = next
	return writeAtomic(ps[target], ctx)
}

// Load returns the redundant file with the higher ctx_counter whose
// trailing CRC32 validates, or nil if both are missing or corrupt
// (spec §4.6 load).
func Load(dir string) (*Context, error) {
	ps := paths(dir)
	a, _ := loadOne(ps[0])
	b, _ := loadOne(ps[1])
	switch {
	case a == nil && b == nil:
		return nil, nil
	case a == nil:
		return b, nil
	case b == nil:
		return a, nil
	case a.CtxCounter >= b.CtxCounter:
		return a, nil
	default:
		return b, nil
	}
}

// Clear removes both resume-context files (spec §4.6 clear).
func Clear(dir string) error {
	var firstErr error
	for _, p := range paths(dir) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResumePosition returns the byte offset in the source stream from
// which the next Resume call must re-present fd (spec §4.6
// resume_position): the exact number of bytes already folded into
// current_global_crc, i.e. total_read itself. The writer layer is
// responsible for picking its own cursor back up at current_offset
// (already durably on flash) rather than this package backing out
// bytes the caller would otherwise have to resend.
func ResumePosition(ctx *Context) uint64 {
	if ctx == nil {
		return 0
	}
	return ctx.TotalRead
}

func loadOne(path string) (*Context, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	wc, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return &wc.Context, nil
}

func writeAtomic(path string, ctx *Context) error {
	raw, err := encode(ctx)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "resume: write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "resume: rename temp file")
	}
	return nil
}

func encode(ctx *Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, ctx); err != nil {
		return nil, ferrors.Wrap(ferrors.Fault, err, "resume: encode context")
	}
	_, crc := xcrc32.NewCRC32(buf.Bytes())
	binary.Write(&buf, binary.BigEndian, crc)
	return buf.Bytes(), nil
}

func decode(raw []byte) (*wireContext, error) {
	if len(raw) < 4 {
		return nil, ferrors.New(ferrors.ParseError, "resume: context file too short")
	}
	body, wantCRC := raw[:len(raw)-4], binary.BigEndian.Uint32(raw[len(raw)-4:])
	_, got := xcrc32.NewCRC32(body)
	if got != wantCRC {
		return nil, ferrors.Newf(ferrors.ParseError, "resume: ctx_crc mismatch: got=0x%08x want=0x%08x", got, wantCRC)
	}
	var wc wireContext
	if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &wc.Context); err != nil {
		return nil, ferrors.Wrap(ferrors.ParseError, err, "resume: decode context")
	}
	wc.CtxCrc = wantCRC
	return &wc, nil
}
