package system

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
	"github.com/tinkerator/fwupdate/internal/resume"
)

// Platform is the PLATFORM collaborator of spec §6: the handful of
// board-level operations SSDATA needs that this module does not itself
// implement. ecc_stats and Synced are always queried fresh, never
// cached, per the Open Question decision recorded in the design notes.
type Platform interface {
	Synced() (bool, error)
	RequestSwap(markGoodAfter bool) error
	Reboot() error
	EccStats() (flash.EccStats, error)
}

// ComponentCheck is one partition-table entry's observed vs. expected
// payload CRC32, gathered during Install's pre-flight pass.
type ComponentCheck struct {
	Name string
	Got  uint32
	Want uint32
}

// SSData is the System Shared Data region of spec §4.7: the small set
// of fields that outlive any single download and describe the current
// update/swap state of the device.
type SSData struct {
	mu sync.Mutex

	SyncFlag       bool
	BadImageMask   uint64
	InternalStatus InternalStatus

	active map[Group]Side
}

// New returns an SSData with no bad images recorded and both system
// groups defaulted to side 1.
func New() *SSData {
	return &SSData{
		InternalStatus: Ok,
		active: map[Group]Side{
			ModemGroup: Side1,
			LkGroup:    Side1,
			LinuxGroup: Side1,
		},
	}
}

// InitDownload starts a new download session (spec §4.7 init_download).
// Unless disableSyncBeforeUpdate is set, it refuses NotPermitted when
// the dual-system platform reports the A/B sides are desynchronized.
// clearResume is invoked to drop any resume context and accumulated
// CRCs left behind by a prior failed download.
func (s *SSData) InitDownload(disableSyncBeforeUpdate bool, platform Platform, clearResume func() error) error {
	if !disableSyncBeforeUpdate {
		synced, err := platform.Synced()
		if err != nil {
			return ferrors.Wrap(ferrors.Fault, err, "system: query platform sync state")
		}
		if !synced {
			return ferrors.New(ferrors.NotPermitted, "system: A/B systems desynchronized, update refused")
		}
	}
	if err := clearResume(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BadImageMask = 0
	s.InternalStatus = DwlOngoing
	return nil
}

// RecordDownloadOutcome is called by the session layer after a C5/C6
// download attempt completes, to fold its result into InternalStatus.
// A Terminated error (pipe closed mid-stream, resumable) leaves the
// status at DwlOngoing rather than DwlFailed: the resume context
// persisted by the caller is still good.
func (s *SSData) RecordDownloadOutcome(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.InternalStatus = Ok
	case ferrors.Is(err, ferrors.Terminated):
		s.InternalStatus = DwlOngoing
	default:
		s.InternalStatus = DwlFailed
	}
}

// GetResumePosition reports the byte offset a subsequent Resume call
// must resume from (spec §4.7 get_resume_position).
func GetResumePosition(dir string) (uint64, error) {
	ctx, err := resume.Load(dir)
	if err != nil {
		return 0, err
	}
	return resume.ResumePosition(ctx), nil
}

// Install validates every partition-table component's payload CRC32,
// then requests the platform perform the A/B swap (spec §4.7 install).
// Every mismatch is collected before returning, via go-multierror, but
// the caller still only ever sees a single CrcMismatch-kind error: the
// full set of failing components is available by unwrapping it.
func (s *SSData) Install(markGoodAfter bool, platform Platform, components []ComponentCheck) error {
	var errs *multierror.Error
	for _, c := range components {
		if c.Got != c.Want {
			errs = multierror.Append(errs, ferrors.Newf(ferrors.CrcMismatch,
				"system: component %s crc32 got=0x%08x want=0x%08x", c.Name, c.Got, c.Want))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return ferrors.Wrap(ferrors.CrcMismatch, err, "system: install pre-flight validation failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := platform.RequestSwap(markGoodAfter); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "system: request swap")
	}
	if markGoodAfter {
		s.InternalStatus = SwapMgOngoing
	} else {
		s.InternalStatus = SwapOngoing
	}
	return nil
}

// MarkGood confirms the newly-swapped side booted cleanly: clears the
// bad-image mask and raises SyncFlag (spec §4.7 mark_good). InitDownload's
// sync check asks the platform and does not read SyncFlag. Refuses
// IoEccFailure if the platform reports any failed ECC sector since the
// swap, since a mark-good over a failing sector would commit to bad
// data.
func (s *SSData) MarkGood(platform Platform) error {
	stats, err := platform.EccStats()
	if err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "system: query ecc stats")
	}
	if stats.Failed > 0 {
		return ferrors.New(ferrors.IoEccFailure, "system: ecc failures present, refusing mark-good")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BadImageMask = 0
	s.SyncFlag = true
	s.InternalStatus = Ok
	return nil
}

// GetUpdateStatus returns the current status and its fixed label (spec
// §4.7 get_update_status).
func (s *SSData) GetUpdateStatus() (InternalStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InternalStatus, s.InternalStatus.Label()
}

// SetBadImage ORs or clears bits in the bad-image bitmask (spec §4.7
// set_bad_image). Nothing in the download path calls it: a CRC
// mismatch during a download leaves BadImageMask unchanged.
func (s *SSData) SetBadImage(mask uint64, bad bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bad {
		s.BadImageMask |= mask
	} else {
		s.BadImageMask &^= mask
	}
}

// GetBadImageMask reports the current bad-image bitmask.
func (s *SSData) GetBadImageMask() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.BadImageMask
}

// GetSystem reports which side of each partition group is currently
// active (spec §4.7 get_system).
func (s *SSData) GetSystem() map[Group]Side {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Group]Side, len(s.active))
	for g, side := range s.active {
		out[g] = side
	}
	return out
}

// SetSystem overrides which side of a partition group is active (spec
// §4.7 set_system), used to force a rollback without a full swap.
func (s *SSData) SetSystem(g Group, side Side) error {
	if side != Side1 && side != Side2 {
		return ferrors.Newf(ferrors.BadParameter, "system: invalid side %d", side)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[g] = side
	return nil
}
