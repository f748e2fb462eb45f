//go:build linux

package flash

import (
	"os"
	"unsafe"

	"github.com/tinkerator/fwupdate/internal/ferrors"
	"golang.org/x/sys/unix"
)

// Linux MTD uapi ioctl request numbers (include/uapi/mtd/mtd-abi.h).
// golang.org/x/sys/unix does not define these MTD-specific requests, so
// this production backend defines them itself from the kernel uapi
// header, the same way behrlich/go-ublk defines its own ublk-specific
// ioctl numbers on top of x/sys/unix's generic ioctl plumbing.
const (
	memGetInfo      = 0x80204d01
	memErase        = 0x40084d02
	memGetBadBlock  = 0x40044d0b
	memSetBadBlock  = 0x40044d0c
	memWriteOOBPage = 0x40104d03
)

type mtdInfoRaw struct {
	Type      uint8
	_         [3]byte // alignment padding
	Flags     uint32
	Size      uint32
	EraseSize uint32
	WriteSize uint32
	OOBSize   uint32
	_         uint64 // padding for struct compatibility
}

type eraseInfoRaw struct {
	Start  uint32
	Length uint32
}

// mtdDevice is the production Device backend for one /dev/mtdN node.
type mtdDevice struct {
	f         *os.File
	lock      *Lock
	mode      Mode
	info      Info
	badCached map[uint32]bool
}

// OpenMTD opens an MTD character device node for the given mode,
// taking the cross-process lock when opening for write (spec §4.1
// state machine: "Opening for write takes exclusive access").
func OpenMTD(path string, mode Mode) (*mtdDevice, error) {
	flag := os.O_RDONLY
	switch mode {
	case ModeWrite, ModeReadWrite:
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Fault, err, "flash: open "+path)
	}
	var lk *Lock
	if mode != ModeRead {
		lk, err = AcquireLock(path)
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	d := &mtdDevice{f: f, lock: lk, mode: mode, badCached: map[uint32]bool{}}
	if err := d.readInfo(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *mtdDevice) readInfo() error {
	var raw mtdInfoRaw
	if err := ioctl(d.f.Fd(), memGetInfo, unsafe.Pointer(&raw)); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "flash: MEMGETINFO")
	}
	d.info = Info{
		EraseSize: raw.EraseSize,
		WriteSize: raw.WriteSize,
		Size:      uint64(raw.Size),
		NumPEB:    raw.Size / orOne(raw.EraseSize),
	}
	return nil
}

func orOne(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return v
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *mtdDevice) Info() (Info, error) { return d.info, nil }

func (d *mtdDevice) Close() error {
	var err error
	if d.f != nil {
		err = d.f.Close()
	}
	if d.lock != nil {
		d.lock.Release()
	}
	return err
}

func (d *mtdDevice) Erase(peb uint32) error {
	ei := eraseInfoRaw{Start: peb * d.info.EraseSize, Length: d.info.EraseSize}
	if err := ioctl(d.f.Fd(), memErase, unsafe.Pointer(&ei)); err != nil {
		return ferrors.Wrapf(ferrors.IoWriteFailed, err, "flash: erase peb %d", peb)
	}
	return nil
}

func (d *mtdDevice) ReadAt(offset uint64, buf []byte) (int, error) {
	total := 0
	peb := uint32(offset / uint64(d.info.EraseSize))
	within := offset % uint64(d.info.EraseSize)
	for total < len(buf) {
		bad, err := d.IsBad(peb)
		if err != nil {
			return total, err
		}
		if bad {
			peb++
			within = 0
			continue
		}
		pebOffset := uint64(peb)*uint64(d.info.EraseSize) + within
		if pebOffset >= d.info.Size {
			return total, ferrors.New(ferrors.Fault, "flash: read past end of device")
		}
		n, err := d.f.ReadAt(buf[total:min(len(buf), total+int(d.info.EraseSize)-int(within))], int64(pebOffset))
		total += n
		if err != nil {
			return total, ferrors.Wrap(ferrors.IoWriteFailed, err, "flash: read")
		}
		peb++
		within = 0
	}
	return total, nil
}

func (d *mtdDevice) WriteAt(offset uint64, buf []byte) (WriteResult, error) {
	if err := CheckAligned(offset, len(buf), d.info.WriteSize); err != nil {
		return WriteResult{}, err
	}
	peb := uint32(offset / uint64(d.info.EraseSize))
	within := offset % uint64(d.info.EraseSize)
	res := WriteResult{ActualPEB: peb}
	total := 0
	for total < len(buf) {
		bad, err := d.IsBad(peb)
		if err != nil {
			return res, err
		}
		if bad {
			res.SkippedBad = append(res.SkippedBad, peb)
			peb++
			within = 0
			if total == 0 {
				res.ActualPEB = peb
			}
			continue
		}
		chunk := min(len(buf)-total, int(d.info.EraseSize)-int(within))
		pebOffset := uint64(peb)*uint64(d.info.EraseSize) + within
		n, err := d.f.WriteAt(buf[total:total+chunk], int64(pebOffset))
		if err != nil {
			// EIO: treat the block as newly bad, mark it, and retry the
			// same chunk against the next good PEB (spec §4.1 bad-block
			// policy).
			if err == unix.EIO {
				d.MarkBad(peb)
				res.SkippedBad = append(res.SkippedBad, peb)
				peb++
				within = 0
				if total == 0 {
					res.ActualPEB = peb
				}
				continue
			}
			return res, ferrors.Wrap(ferrors.IoWriteFailed, err, "flash: write")
		}
		total += n
		res.N += n
		peb++
		within = 0
	}
	return res, nil
}

func (d *mtdDevice) IsBad(peb uint32) (bool, error) {
	if bad, ok := d.badCached[peb]; ok {
		return bad, nil
	}
	off := uint64(peb) * uint64(d.info.EraseSize)
	err := ioctl(d.f.Fd(), memGetBadBlock, unsafe.Pointer(&off))
	bad := err != nil
	d.badCached[peb] = bad
	return bad, nil
}

func (d *mtdDevice) MarkBad(peb uint32) error {
	off := uint64(peb) * uint64(d.info.EraseSize)
	if err := ioctl(d.f.Fd(), memSetBadBlock, unsafe.Pointer(&off)); err != nil {
		return ferrors.Wrapf(ferrors.IoWriteFailed, err, "flash: mark peb %d bad", peb)
	}
	d.badCached[peb] = true
	return nil
}

func (d *mtdDevice) EccStats() (EccStats, error) {
	// The production kernel interface for ECC counters is sysfs
	// (/sys/class/mtd/mtdN/ecc_stats), not an ioctl; reading it here
	// would require a path this package is never given. Callers needing
	// live ECC stats go through the PLATFORM collaborator (spec §6),
	// which owns that sysfs path; this backend reports zero.
	return EccStats{}, nil
}

