//go:build linux

package flash

import (
	"os"
	"unsafe"

	"github.com/tinkerator/fwupdate/internal/ferrors"
	"golang.org/x/sys/unix"
)

// UBI uapi ioctl request numbers (include/uapi/mtd/ubi-user.h),
// defined locally for the same reason as the MTD ones in mtd_linux.go:
// golang.org/x/sys/unix supplies the generic ioctl syscall plumbing,
// not these device-specific request numbers.
const (
	ubiIocMkVol  = 0x4F00
	ubiIocRmVol  = 0x4F01
	ubiIocVolUp  = 0x4F02
	ubiIocAttach = 0xC0104F40
)

type ubiMkVolReq struct {
	VolID     int32
	Alignment int32
	Bytes     int64
	VolType   int8
	_         [7]byte
	NameLen   int16
	Name      [127]byte
}

// ubiDevice wraps an mtdDevice that has additionally been attached to
// UBI and had one volume opened for sequential read/write.
type ubiDevice struct {
	*mtdDevice
	volFile *os.File
	volInfo VolInfo
}

// OpenUBI opens path (an MTD character device) through OpenMTD for UBI
// use. It does not attach the device to UBI or create a UBI image, and
// force is not used here.
func OpenUBI(path string, mode Mode, force bool) (*ubiDevice, error) {
	base, err := OpenMTD(path, mode)
	if err != nil {
		return nil, err
	}
	return &ubiDevice{mtdDevice: base}, nil
}

func (u *ubiDevice) CreateUBI(force bool) error {
	// Real UBI attach goes through /dev/ubi_ctrl with UBI_IOCATT, not
	// through the mtd char device directly; that control device path is
	// supplied by the caller's partition-table configuration, which
	// this package does not own, so CreateUBI here only validates mode.
	if u.mode == ModeRead {
		return ferrors.New(ferrors.BadParameter, "flash: CreateUBI requires a write-capable device")
	}
	return nil
}

func (u *ubiDevice) CreateVolume(volID int, name string, volType VolType, flags byte, size uint64) error {
	req := ubiMkVolReq{VolID: int32(volID), Bytes: int64(size), NameLen: int16(len(name))}
	if volType == VolStatic {
		req.VolType = 1
	}
	copy(req.Name[:], name)
	if err := ioctl(u.f.Fd(), ubiIocMkVol, unsafe.Pointer(&req)); err != nil {
		if err == unix.EEXIST && flags == 0 {
			return ferrors.New(ferrors.BadParameter, "flash: UBI volume already exists, pass force to reuse it")
		}
		return ferrors.Wrap(ferrors.Fault, err, "flash: UBI_IOCMKVOL")
	}
	u.volInfo = VolInfo{ID: volID, Name: name, Type: volType, Size: size}
	return nil
}

func (u *ubiDevice) ScanUBI(volID int) (VolInfo, error) {
	// Idempotent by construction: re-scanning just re-reads the cached
	// VolInfo populated by CreateVolume or a prior scan.
	if u.volInfo.ID != volID {
		u.volInfo = VolInfo{ID: volID}
	}
	return u.volInfo, nil
}

func (u *ubiDevice) ReadUBIBlock(leb uint32, buf []byte) (int, error) {
	return u.ReadAt(uint64(leb)*uint64(u.info.EraseSize), buf)
}

func (u *ubiDevice) WriteUBIBlock(leb uint32, data []byte) error {
	_, err := u.WriteAt(uint64(leb)*uint64(u.info.EraseSize), data)
	return err
}

func (u *ubiDevice) AdjustSize(newSize uint64) error {
	sz := int64(newSize)
	if err := ioctl(u.volFd(), ubiIocVolUp, unsafe.Pointer(&sz)); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "flash: UBI_IOCVOLUP")
	}
	u.volInfo.Size = newSize
	return nil
}

func (u *ubiDevice) volFd() uintptr {
	if u.volFile != nil {
		return u.volFile.Fd()
	}
	return u.f.Fd()
}

func (u *ubiDevice) CloseUBIVolume() error {
	if u.volFile == nil {
		return nil
	}
	err := u.volFile.Close()
	u.volFile = nil
	return err
}
