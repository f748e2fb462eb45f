// Package flash defines the Flash/UBI I/O abstraction (spec §4.1): the
// one seam between this module's business logic and the kernel. All
// code outside this package talks to flash only through the Device and
// UBI interfaces declared here — never directly to /dev/mtdN or
// /dev/ubiN_M. That keeps the "emulated flash layer" test seam from
// spec §9 real: internal/flash/sim implements the same interfaces
// entirely in memory.
package flash

import "github.com/tinkerator/fwupdate/internal/ferrors"

// Mode is the access mode a Device was opened with.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeReadWrite
)

// Info describes the geometry of an open MTD device.
type Info struct {
	EraseSize uint32 // bytes per erase block (PEB)
	WriteSize uint32 // minimum aligned write unit (NAND page size)
	Size      uint64 // total device size in bytes
	NumPEB    uint32
}

// EccStats mirrors the PLATFORM collaborator's ecc_stats() report
// (spec §6), surfaced at the Device level because the production
// backend reads it straight off the MTD device.
type EccStats struct {
	Corrected uint64
	Failed    uint64
	BadBlocks uint64
}

// Device is the production/test seam for one open raw-flash partition.
// All offsets are absolute byte offsets from the start of the
// partition; all writes must be WriteSize-aligned in both offset and
// length, and all erases must be EraseSize-aligned (spec §4.1).
type Device interface {
	Info() (Info, error)
	Close() error

	// Erase erases the PEB at the given index. After Erase, ReadAt over
	// that PEB returns all-0xFF unless the block is bad.
	Erase(pebIndex uint32) error

	// ReadAt reads len(buf) bytes starting at offset, skipping forward
	// over bad blocks transparently (spec "read_skip_bad").
	ReadAt(offset uint64, buf []byte) (int, error)

	// WriteAt writes buf at offset. Both offset and len(buf) must be
	// multiples of Info().WriteSize, or IoAlignment is returned. If the
	// underlying write surfaces EIO, the implementation marks the PEB
	// bad, skips writing to the next good PEB, and reports where the
	// bytes actually landed via WriteResult.
	WriteAt(offset uint64, buf []byte) (WriteResult, error)

	IsBad(pebIndex uint32) (bool, error)
	MarkBad(pebIndex uint32) error

	EccStats() (EccStats, error)
}

// WriteResult reports where a WriteAt call's bytes actually landed,
// which may differ from the requested offset if bad blocks were
// skipped mid-write.
type WriteResult struct {
	N          int
	ActualPEB  uint32 // first good PEB the write started at
	SkippedBad []uint32
}

// UBIDevice extends Device with the UBI-specific operations of spec
// §4.1. Opening a UBIDevice does not run ScanUBI; callers scan a volume
// explicitly, as BeginUBIWrite does.
type UBIDevice interface {
	Device

	CreateUBI(force bool) error
	CreateVolume(volID int, name string, volType VolType, flags byte, size uint64) error
	ScanUBI(volID int) (VolInfo, error)
	ReadUBIBlock(leb uint32, buf []byte) (int, error)
	WriteUBIBlock(leb uint32, data []byte) error
	AdjustSize(newSize uint64) error
	CloseUBIVolume() error
}

// VolType is a UBI volume's type.
type VolType int

const (
	VolDynamic VolType = iota
	VolStatic
)

// VolInfo describes a scanned UBI volume.
type VolInfo struct {
	ID       int
	Name     string
	Type     VolType
	Size     uint64
	LEBSize  uint32
	NumLEBs  uint32
	DataSize uint64
}

// CheckAligned returns an IoAlignment error unless offset and length
// are both multiples of unit.
func CheckAligned(offset uint64, length int, unit uint32) error {
	if unit == 0 {
		return nil
	}
	if offset%uint64(unit) != 0 || uint32(length)%unit != 0 {
		return ferrors.Newf(ferrors.IoAlignment, "flash: offset=%d length=%d not aligned to %d", offset, length, unit)
	}
	return nil
}
