// Package stream implements the stream parser / state machine (spec
// §4.5): the single state machine that alternates between reading
// fixed-length CWE/patch headers and variable-length body chunks,
// dispatching parsed headers to a Router that supplies the C4 writer
// (or C3 patch context) each leaf's body is fed into.
package stream

import (
	"hash/crc32"
	"io"

	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/patch"
)

// State is one of the six states of spec §4.5.
type State int

const (
	AwaitTopHeader State = iota
	AwaitChildHeader
	AwaitBody
	AwaitPatchMeta
	AwaitPatchSlice
	AwaitPatchBody
)

func (s State) String() string {
	switch s {
	case AwaitTopHeader:
		return "AwaitTopHeader"
	case AwaitChildHeader:
		return "AwaitChildHeader"
	case AwaitBody:
		return "AwaitBody"
	case AwaitPatchMeta:
		return "AwaitPatchMeta"
	case AwaitPatchSlice:
		return "AwaitPatchSlice"
	case AwaitPatchBody:
		return "AwaitPatchBody"
	default:
		return "Unknown"
	}
}

// Sink is the destination a leaf's body bytes are streamed into.
// internal/writer's RawWriter and UbiWriter satisfy this structurally,
// as does patch.Destination. SwifotaWriter's WriteChunk takes an
// offset, so internal/session wraps it in an adapter.
type Sink interface {
	WriteChunk(b []byte) (int, error)
	Finish(expectedCRC uint32, expectedSize uint32) error
}

// Router resolves a parsed header to the collaborator that handles its
// body: a Sink for a direct (non-delta) leaf, or a patch.Context for a
// leaf that opts into delta patching.
type Router interface {
	OpenLeaf(h *cwe.Header) (Sink, error)
	OpenPatch(h *cwe.Header, meta *patch.Meta) (*patch.Context, error)
}

// Parser drives one CWE stream end to end. Composite nesting is
// modeled as a stack of "bytes remaining in this composite" frames, so
// a SPKG-of-APPL-of-leaves stream is handled the same way as a single
// composite, but live in-flight state is only ever resumable one leaf
// deep (see ResumeState) — matching the flat Resume Context of spec §3.
type Parser struct {
	router Router

	state State
	stack []uint32 // remaining bytes per open composite frame, outermost first

	rootHeader *cwe.Header
	leafHeader *cwe.Header
	sink       Sink

	patchCtx       *patch.Context
	sliceRemaining uint32

	bodyRemaining uint32

	currentImageCRC  uint32
	currentGlobalCRC uint32
	totalRead        uint64

	// leafStartGlobalCRC is currentGlobalCRC as it stood the instant this
	// leaf's header was accepted, before any of its body bytes were
	// accumulated. It is the global_crc field of the persisted resume
	// context (spec §3 global_crc vs current_global_crc) — the baseline
	// a leaf that has to restart from its own header (a patch leaf or an
	// SBL leaf, neither of which can resume mid-body) rewinds to, since
	// current_global_crc's in-flight value can't be un-accumulated
	// without the discarded body bytes themselves.
	leafStartGlobalCRC uint32

	done bool
}

// New returns a Parser ready to read a fresh CWE stream from its first
// top-level header.
func New(router Router) *Parser {
	return &Parser{router: router, state: AwaitTopHeader}
}

func (p *Parser) State() State               { return p.state }
func (p *Parser) Done() bool                 { return p.done }
func (p *Parser) CurrentImageCRC() uint32    { return p.currentImageCRC }
func (p *Parser) CurrentGlobalCRC() uint32   { return p.currentGlobalCRC }
func (p *Parser) TotalRead() uint64          { return p.totalRead }

// LengthToRead implements spec §4.5's length_to_read: the exact byte
// count the next Step call must read given the caller's preferred
// chunk size.
func (p *Parser) LengthToRead(chunkLen uint32) uint32 {
	switch p.state {
	case AwaitTopHeader, AwaitChildHeader:
		return cwe.HeaderSize
	case AwaitPatchMeta:
		return patch.MetaSize
	case AwaitPatchSlice:
		return patch.SliceSize
	case AwaitBody:
		return minu32(chunkLen, p.bodyRemaining)
	case AwaitPatchBody:
		return minu32(chunkLen, p.sliceRemaining)
	default:
		return 0
	}
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Step reads exactly LengthToRead(chunkLen) bytes from r, fully
// draining any partial read, and advances the state machine. It
// returns a Closed error if r is empty before any header was read, a
// Terminated error if r ends mid-stream (the caller should persist a
// resume checkpoint), or the parse/validation error from whichever
// header or CRC check failed.
func (p *Parser) Step(r io.Reader, chunkLen uint32) error {
	if p.done {
		return nil
	}
	n := p.LengthToRead(chunkLen)
	if n == 0 {
		p.done = true
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if p.totalRead == 0 && p.state == AwaitTopHeader {
				return ferrors.Wrap(ferrors.Closed, err, "stream: input closed before any data")
			}
			return ferrors.Wrap(ferrors.Terminated, err, "stream: input ended before image completed")
		}
		return ferrors.Wrap(ferrors.Fault, err, "stream: read failed")
	}
	return p.consume(buf)
}

func (p *Parser) consume(buf []byte) error {
	switch p.state {
	case AwaitTopHeader:
		h, err := cwe.LoadHeader(buf)
		if err != nil {
			return err
		}
		p.rootHeader = h
		return p.enterHeader(h)

	case AwaitChildHeader:
		h, err := cwe.LoadHeader(buf)
		if err != nil {
			return err
		}
		return p.enterHeader(h)

	case AwaitBody:
		return p.consumeBody(buf)

	case AwaitPatchMeta:
		m, err := patch.LoadMeta(buf)
		if err != nil {
			return err
		}
		p.accumulate(buf)
		if err := p.chargeFrame(uint32(len(buf))); err != nil {
			return err
		}
		ctx, err := p.router.OpenPatch(p.leafHeader, m)
		if err != nil {
			return err
		}
		p.patchCtx = ctx
		p.state = AwaitPatchSlice
		return nil

	case AwaitPatchSlice:
		s, err := patch.LoadSlice(buf)
		if err != nil {
			return err
		}
		p.accumulate(buf)
		if err := p.chargeFrame(uint32(len(buf))); err != nil {
			return err
		}
		if err := p.patchCtx.BeginSlice(s); err != nil {
			p.patchCtx.Abort()
			return err
		}
		p.sliceRemaining = s.Size
		p.state = AwaitPatchBody
		return nil

	case AwaitPatchBody:
		return p.consumePatchBody(buf)

	default:
		return ferrors.New(ferrors.Fault, "stream: invalid parser state")
	}
}

// enterHeader dispatches a freshly-parsed CWE header: pushes a
// composite frame, or opens a leaf's body/patch sink.
func (p *Parser) enterHeader(h *cwe.Header) error {
	if h.ImageType.Composite() {
		p.stack = append(p.stack, h.ImageSize)
		p.state = AwaitChildHeader
		return nil
	}

	p.leafHeader = h
	p.currentImageCRC = 0
	p.leafStartGlobalCRC = p.currentGlobalCRC

	if h.WantsDeltaPatch() {
		p.state = AwaitPatchMeta
		return nil
	}

	sink, err := p.router.OpenLeaf(h)
	if err != nil {
		return err
	}
	p.sink = sink
	p.bodyRemaining = h.ImageSize
	p.state = AwaitBody
	return nil
}

// accumulate feeds buf into both CRC32 accumulators and the total-read
// counter. Only body-path bytes (leaf bodies, patch meta, patch slice
// headers, patch bodies) are accumulated — CWE headers themselves are
// never part of image_crc32 or the package-wide CRC (spec §3:
// "image_crc32 == CRC32(payload bytes)").
func (p *Parser) accumulate(buf []byte) {
	p.currentImageCRC = crc32.Update(p.currentImageCRC, crc32.IEEETable, buf)
	p.currentGlobalCRC = crc32.Update(p.currentGlobalCRC, crc32.IEEETable, buf)
	p.totalRead += uint64(len(buf))
}

// chargeFrame subtracts n from every open composite frame, popping
// exhausted frames from the innermost outward. A composite's declared
// ImageSize is the total of its descendants' body-only bytes (headers
// excluded), so each frame empties exactly when its last descendant's
// body finishes.
func (p *Parser) chargeFrame(n uint32) error {
	for _, remaining := range p.stack {
		if n > remaining {
			return ferrors.New(ferrors.ParseError, "stream: child body exceeds declared composite size")
		}
	}
	for i := range p.stack {
		p.stack[i] -= n
	}
	for len(p.stack) > 0 && p.stack[len(p.stack)-1] == 0 {
		p.stack = p.stack[:len(p.stack)-1]
	}
	return nil
}

func (p *Parser) consumeBody(buf []byte) error {
	p.accumulate(buf)
	if err := p.chargeFrame(uint32(len(buf))); err != nil {
		return err
	}
	p.bodyRemaining -= uint32(len(buf))
	if _, err := p.sink.WriteChunk(buf); err != nil {
		return err
	}
	if p.bodyRemaining > 0 {
		return nil
	}
	if err := p.leafHeader.VerifyPayloadCRC(p.currentImageCRC); err != nil {
		return err
	}
	if err := p.sink.Finish(p.leafHeader.ImageCRC32, p.leafHeader.ImageSize); err != nil {
		return err
	}
	return p.afterLeafComplete()
}

func (p *Parser) consumePatchBody(buf []byte) error {
	p.accumulate(buf)
	if err := p.chargeFrame(uint32(len(buf))); err != nil {
		return err
	}
	res, err := p.patchCtx.FeedSlicePayload(buf)
	if err != nil {
		return err
	}
	p.sliceRemaining -= uint32(res.Consumed)
	if p.sliceRemaining > 0 {
		return nil
	}
	if !res.Completed {
		p.state = AwaitPatchSlice
		return nil
	}
	if err := p.leafHeader.VerifyPayloadCRC(p.currentImageCRC); err != nil {
		return err
	}
	p.patchCtx = nil
	return p.afterLeafComplete()
}

// afterLeafComplete decides whether the stream moves on to a sibling
// child header or, if the composite stack is now empty, finishes the
// whole package and verifies the root header's CRC against the
// accumulated global CRC.
func (p *Parser) afterLeafComplete() error {
	if len(p.stack) == 0 {
		if err := p.rootHeader.VerifyPayloadCRC(p.currentGlobalCRC); err != nil {
			return err
		}
		p.done = true
		p.state = AwaitTopHeader
		return nil
	}
	p.state = AwaitChildHeader
	return nil
}
