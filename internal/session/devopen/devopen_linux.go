//go:build linux

// Package devopen implements internal/session.DeviceOpener against
// real /dev/mtdN and /dev/ubiN_M nodes, the production counterpart to
// internal/session's test-only simOpener. Kernel-assigned MTD/UBI
// numbering is not owned by this module (see internal/partmap's doc
// comment); devopen resolves a partition name to its device node via a
// caller-supplied map, typically populated from a platform-specific
// config file read by cmd/fwupdate at startup.
package devopen

import (
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
)

// Opener resolves partmap partition names to device nodes via a static
// table, then defers to flash.OpenMTD/flash.OpenUBI for the actual
// open.
type Opener struct {
	// Raw maps a partmap partition name (e.g. "lefwkro2") to its
	// /dev/mtdN node.
	Raw map[string]string
	// UBI maps a partmap partition name to its /dev/ubiN_M node.
	UBI map[string]string
}

// New builds an Opener from the two name->devnode tables a platform
// config file supplies.
func New(raw, ubi map[string]string) *Opener {
	return &Opener{Raw: raw, UBI: ubi}
}

func (o *Opener) OpenRaw(mtdNum int, name string, mode flash.Mode) (flash.Device, error) {
	path, ok := o.Raw[name]
	if !ok {
		return nil, ferrors.Newf(ferrors.BadParameter, "devopen: no raw device configured for partition %q", name)
	}
	return flash.OpenMTD(path, mode)
}

func (o *Opener) OpenUBI(mtdNum int, name string, mode flash.Mode, force bool) (flash.UBIDevice, error) {
	path, ok := o.UBI[name]
	if !ok {
		return nil, ferrors.Newf(ferrors.BadParameter, "devopen: no ubi device configured for partition %q", name)
	}
	return flash.OpenUBI(path, mode, force)
}
