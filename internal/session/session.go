package session

import (
	"context"
	"io"

	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/resume"
	"github.com/tinkerator/fwupdate/internal/stream"
	"github.com/tinkerator/fwupdate/internal/system"
)

// Deployment selects which of the two shapes spec §1 describes a
// DownloadSession targets.
type Deployment struct {
	DualSystem bool
}

// DownloadSession owns exactly one parser, one writer chain (via its
// Router), and one resume-context directory for the lifetime of a
// single download run (spec §3 "Ownership & lifecycle"). It replaces
// the teacher's package-level globals with one value the caller
// constructs and threads explicitly.
type DownloadSession struct {
	Deployment Deployment
	Opener     DeviceOpener
	SSData     *system.SSData
	ResumeDir  string
	ScratchDir string

	parser *stream.Parser
	router *router
}

// New prepares a DownloadSession. ssdata may be shared across sessions
// (it is the process-wide SSDATA region); everything else is
// per-session state.
func New(dep Deployment, opener DeviceOpener, ssdata *system.SSData, resumeDir, scratchDir string) *DownloadSession {
	return &DownloadSession{
		Deployment: dep,
		Opener:     opener,
		SSData:     ssdata,
		ResumeDir:  resumeDir,
		ScratchDir: scratchDir,
	}
}

// chunkSize is the bounded read size Download requests from the stream
// parser between cancellation checks (spec §5: "Cancellation sets an
// abort flag observed between chunk reads").
const chunkSize = 64 * 1024

// Download reads a fresh CWE package from fd and drives it to
// completion or cancellation (spec §4.7 download). On success it
// clears any resume context for this session and reports Ok to
// SSDATA. On ctx cancellation, the in-flight chunk is allowed to
// finish, a resume checkpoint is persisted, and a Terminated error is
// returned so the caller knows the download may be resumed rather than
// restarted.
func (s *DownloadSession) Download(ctx context.Context, fd io.Reader) error {
	s.router = &router{s: s}
	s.parser = stream.New(s.router)
	return s.runLoop(ctx, fd)
}

// Resume continues a download previously interrupted mid-leaf-body,
// picking the writer up at the exact byte it stopped at rather than
// replaying the leaf from its own header. fd must be re-presented
// starting at the byte ResumePosition reports — current_global_crc's
// own byte count (spec §4.6 resume_position; Concrete Scenario 2: a
// pipe that closes 65536 bytes into a 131072-byte body resumes with
// exactly bytes [65536..131072)).
//
// This requires the writer for the interrupted leaf to already hold
// every byte current_offset accounts for, durably, so Resume only
// needs to re-erase what comes after it: true for the dual-system raw
// writer (internal/writer.ResumeRawWrite erases forward from
// current_offset only). It is not true for two narrower cases, which
// Resume rejects outright rather than silently losing data:
//
//   - Single-system (swifota) deployments: OpenSwifota always erases
//     the staging partition's PEB 0 and resets its offset cursor to the
//     start of PEB 1, just past the metadata block, so reopening it here
//     would discard
//     every component already staged by the interrupted attempt, not
//     just the leaf it was on.
//   - An SBL leaf: its sink buffers the whole image in memory and only
//     touches flash once the image is complete (internal/session's SBL
//     sink), so bytes accepted before an interruption were never
//     written anywhere durable and cannot be recovered here.
func (s *DownloadSession) Resume(ctx context.Context, fd io.Reader) error {
	if !s.Deployment.DualSystem {
		return ferrors.New(ferrors.Unsupported, "session: resume is not supported for single-system (swifota) deployments")
	}

	rc, err := resume.Load(s.ResumeDir)
	if err != nil {
		return err
	}
	if rc == nil {
		return ferrors.New(ferrors.BadParameter, "session: no resume context to resume from")
	}
	if rc.ImageType == cwe.TypeSBL1 {
		return ferrors.New(ferrors.Unsupported, "session: resume is not supported mid-SBL-body: bytes accepted before the interruption were never written to flash")
	}

	s.router = &router{s: s}
	header := &cwe.Header{
		ImageType:  rc.ImageType,
		ImageSize:  rc.ImageSize,
		ImageCRC32: rc.ImageCRC,
		MiscOpts:   rc.MiscOpts,
	}
	sink, err := s.router.openDualRawResume(header, rc.CurrentOffset, rc.CurrentImageCRC)
	if err != nil {
		return err
	}

	state := stream.ResumeState{
		ImageType:        rc.ImageType,
		ImageSize:        rc.ImageSize,
		ImageCRC:         rc.ImageCRC,
		MiscOpts:         rc.MiscOpts,
		CurrentImageCRC:  rc.CurrentImageCRC,
		CurrentGlobalCRC: rc.CurrentGlobalCRC,
		GlobalCRC:        rc.GlobalCRC,
		TotalRead:        rc.TotalRead,
		BodyRemaining:    rc.ImageSize - rc.CurrentOffset,
	}
	s.parser = stream.Restore(s.router, state, sink, nil)
	return s.runLoop(ctx, fd)
}

func (s *DownloadSession) runLoop(ctx context.Context, fd io.Reader) error {
	for !s.parser.Done() {
		select {
		case <-ctx.Done():
			s.persistCheckpoint()
			s.SSData.RecordDownloadOutcome(ferrors.New(ferrors.Terminated, "session: download cancelled"))
			return ferrors.Wrap(ferrors.Terminated, ctx.Err(), "session: download cancelled, resume context persisted")
		default:
		}

		if err := s.parser.Step(fd, chunkSize); err != nil {
			s.persistCheckpoint()
			s.SSData.RecordDownloadOutcome(err)
			return err
		}
	}

	if err := resume.Clear(s.ResumeDir); err != nil {
		return err
	}
	s.SSData.RecordDownloadOutcome(nil)
	return nil
}

// ResumePosition reports the byte offset at which a subsequent Resume
// call for this session's resume directory should re-present fd from
// (spec §4.7 get_resume_position / §4.6 resume_position).
func (s *DownloadSession) ResumePosition() (uint64, error) {
	return system.GetResumePosition(s.ResumeDir)
}

// persistCheckpoint snapshots the parser's current mid-leaf position to
// the resume-context files, but only while in a direct leaf body (spec
// §5: suspension never lands mid-patch-slice-write, so a patch leaf's
// interruption leaves no checkpoint and that leaf is replayed from its
// own header on the next attempt). Interruptions that land between
// leaves (AwaitTopHeader/AwaitChildHeader) likewise have nothing
// in-flight to checkpoint beyond what the prior leaf's Finish already
// committed to flash.
func (s *DownloadSession) persistCheckpoint() {
	if s.parser.State() != stream.AwaitBody {
		return
	}
	snap := s.parser.Snapshot()
	rc := &resume.Context{
		ImageType:        snap.ImageType,
		ImageSize:        snap.ImageSize,
		ImageCRC:         snap.ImageCRC,
		CurrentImageCRC:  snap.CurrentImageCRC,
		GlobalCRC:        snap.GlobalCRC,
		CurrentGlobalCRC: snap.CurrentGlobalCRC,
		TotalRead:        snap.TotalRead,
		CurrentOffset:    snap.ImageSize - snap.BodyRemaining,
		MiscOpts:         snap.MiscOpts,
	}
	// Best-effort: a failed checkpoint write does not change the error
	// already being returned to the caller, but nothing else observes
	// it either, so there is no additional reporting to do here.
	_ = resume.Save(s.ResumeDir, rc)
}
