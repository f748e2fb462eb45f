package stream

import (
	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/patch"
)

// ResumeState is the subset of in-flight Parser state the resume
// context manager (C6) persists and restores. It only ever describes a
// single open leaf — never a composite stack — matching the flat field
// list of spec §3's Resume Context; resuming a download interrupted
// mid-composite restarts that composite's current child from its own
// header, not the grandparent.
type ResumeState struct {
	ImageType        cwe.ImageType
	ImageSize        uint32
	ImageCRC         uint32
	MiscOpts         byte
	CurrentImageCRC  uint32
	CurrentGlobalCRC uint32
	GlobalCRC        uint32
	TotalRead        uint64
	BodyRemaining    uint32

	InPatch        bool
	PatchMeta      *patch.Meta
	SliceRemaining uint32
}

// Snapshot captures enough of the Parser's state to resume a
// suspended download, valid only when State() is AwaitBody or
// AwaitPatchBody. The session layer checkpoints only in AwaitBody.
func (p *Parser) Snapshot() ResumeState {
	s := ResumeState{
		ImageType:        p.leafHeader.ImageType,
		ImageSize:        p.leafHeader.ImageSize,
		ImageCRC:         p.leafHeader.ImageCRC32,
		MiscOpts:         p.leafHeader.MiscOpts,
		CurrentImageCRC:  p.currentImageCRC,
		CurrentGlobalCRC: p.currentGlobalCRC,
		GlobalCRC:        p.leafStartGlobalCRC,
		TotalRead:        p.totalRead,
		BodyRemaining:    p.bodyRemaining,
	}
	if p.state == AwaitPatchBody {
		s.InPatch = true
		s.SliceRemaining = p.sliceRemaining
		if p.patchCtx != nil {
			s.PatchMeta = p.patchCtx.Meta
		}
	}
	return s
}

// Restore rebuilds a Parser at the point a prior Snapshot was taken,
// re-attaching a freshly-opened sink (for a direct body resume) or
// patch context (for a mid-patch resume) from the session/router layer
// — both were live device handles that cannot themselves be persisted.
// router is wired in for any further headers the stream delivers past
// the resumed leaf (e.g. remaining siblings of an enclosing composite).
func Restore(router Router, s ResumeState, sink Sink, patchCtx *patch.Context) *Parser {
	p := &Parser{
		router: router,
		rootHeader: &cwe.Header{
			ImageType:  s.ImageType,
			ImageSize:  s.ImageSize,
			ImageCRC32: s.ImageCRC,
			MiscOpts:   s.MiscOpts,
		},
		currentImageCRC:    s.CurrentImageCRC,
		currentGlobalCRC:   s.CurrentGlobalCRC,
		leafStartGlobalCRC: s.GlobalCRC,
		totalRead:          s.TotalRead,
		bodyRemaining:      s.BodyRemaining,
	}
	p.leafHeader = p.rootHeader
	if s.InPatch {
		p.state = AwaitPatchBody
		p.patchCtx = patchCtx
		p.sliceRemaining = s.SliceRemaining
	} else {
		p.state = AwaitBody
		p.sink = sink
	}
	return p
}
