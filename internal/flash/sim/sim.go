// Package sim is the in-memory test backend for the flash.Device and
// flash.UBIDevice interfaces (spec §9: "the test harness injects
// bad-block masks per partition and per-phase"). Production code never
// imports this package; only tests do.
package sim

import (
	"sync"

	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
)

// Phase identifies which flash.Device operation a simulated fault
// applies to.
type Phase int

const (
	PhaseErase Phase = iota
	PhaseWrite
	PhaseMark
)

// Device is an in-memory flash.Device/flash.UBIDevice backed by one
// byte slice per PEB, with injectable permanently-bad PEBs and
// per-phase fault injection (spec §8 scenario 6:
// "SetBadBlockErase(...)").
type Device struct {
	mu sync.Mutex

	eraseSize uint32
	writeSize uint32
	pebs      [][]byte
	bad       map[uint32]bool

	// faultMask, if non-nil, marks a PEB as newly bad (EIO) the first
	// time the named phase touches it.
	faultMask map[Phase]map[uint32]bool
	triggered map[Phase]map[uint32]bool

	ecc flash.EccStats

	volumes map[int]*volume
}

type volume struct {
	info flash.VolInfo
	data [][]byte // one entry per LEB
}

// New creates an in-memory device with numPEB erase blocks of
// eraseSize bytes, writable in writeSize-aligned units. All PEBs start
// erased (0xFF).
func New(numPEB int, eraseSize, writeSize uint32) *Device {
	d := &Device{
		eraseSize: eraseSize,
		writeSize: writeSize,
		pebs:      make([][]byte, numPEB),
		bad:       map[uint32]bool{},
		faultMask: map[Phase]map[uint32]bool{},
		triggered: map[Phase]map[uint32]bool{},
		volumes:   map[int]*volume{},
	}
	for i := range d.pebs {
		d.pebs[i] = blank(eraseSize)
	}
	return d
}

func blank(size uint32) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// SetBadBlockErase permanently marks the PEBs whose bit is set in mask
// as bad, as if the flash controller itself had retired them.
func (d *Device) SetBadBlockErase(mask uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < 64 && i < len(d.pebs); i++ {
		if mask&(1<<uint(i)) != 0 {
			d.bad[uint32(i)] = true
		}
	}
}

// InjectFault arranges for the next access to peb during the given
// phase to fail once (simulating an EIO that newly retires the block),
// then clears itself.
func (d *Device) InjectFault(phase Phase, peb uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faultMask[phase] == nil {
		d.faultMask[phase] = map[uint32]bool{}
	}
	d.faultMask[phase][peb] = true
}

// SetEccStats overrides the EccStats() report, e.g. to simulate a
// failed sector (spec: "ecc_stats.failed > 0 surfaces as
// IoEccFailure").
func (d *Device) SetEccStats(s flash.EccStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ecc = s
}

func (d *Device) consumeFault(phase Phase, peb uint32) bool {
	if d.faultMask[phase] == nil || !d.faultMask[phase][peb] {
		return false
	}
	delete(d.faultMask[phase], peb)
	return true
}

func (d *Device) Info() (flash.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return flash.Info{
		EraseSize: d.eraseSize,
		WriteSize: d.writeSize,
		Size:      uint64(len(d.pebs)) * uint64(d.eraseSize),
		NumPEB:    uint32(len(d.pebs)),
	}, nil
}

func (d *Device) Close() error { return nil }

func (d *Device) Erase(peb uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(peb) >= len(d.pebs) {
		return ferrors.Newf(ferrors.BadParameter, "sim: peb %d out of range", peb)
	}
	if d.bad[peb] {
		return ferrors.Newf(ferrors.IoWriteFailed, "sim: peb %d is bad", peb)
	}
	if d.consumeFault(PhaseErase, peb) {
		d.bad[peb] = true
		return ferrors.Newf(ferrors.IoWriteFailed, "sim: simulated erase failure on peb %d", peb)
	}
	d.pebs[peb] = blank(d.eraseSize)
	return nil
}

func (d *Device) ReadAt(offset uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	peb := uint32(offset / uint64(d.eraseSize))
	within := int(offset % uint64(d.eraseSize))
	for total < len(buf) {
		for int(peb) < len(d.pebs) && d.bad[peb] {
			peb++
			within = 0
		}
		if int(peb) >= len(d.pebs) {
			return total, ferrors.New(ferrors.Fault, "sim: read past end of device")
		}
		n := copy(buf[total:], d.pebs[peb][within:])
		total += n
		peb++
		within = 0
	}
	return total, nil
}

func (d *Device) WriteAt(offset uint64, buf []byte) (flash.WriteResult, error) {
	if err := flash.CheckAligned(offset, len(buf), d.writeSize); err != nil {
		return flash.WriteResult{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	peb := uint32(offset / uint64(d.eraseSize))
	within := int(offset % uint64(d.eraseSize))
	res := flash.WriteResult{ActualPEB: peb}
	total := 0
	first := true
	for total < len(buf) {
		if int(peb) >= len(d.pebs) {
			return res, ferrors.New(ferrors.Fault, "sim: write past end of device")
		}
		if d.bad[peb] || d.consumeFault(PhaseWrite, peb) {
			d.bad[peb] = true
			res.SkippedBad = append(res.SkippedBad, peb)
			peb++
			within = 0
			if first {
				res.ActualPEB = peb
			}
			continue
		}
		first = false
		chunk := len(buf) - total
		if max := int(d.eraseSize) - within; chunk > max {
			chunk = max
		}
		copy(d.pebs[peb][within:within+chunk], buf[total:total+chunk])
		total += chunk
		res.N += chunk
		peb++
		within = 0
	}
	return res, nil
}

func (d *Device) IsBad(peb uint32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bad[peb], nil
}

func (d *Device) MarkBad(peb uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumeFault(PhaseMark, peb) {
		return ferrors.Newf(ferrors.Fault, "sim: simulated mark-bad failure on peb %d", peb)
	}
	d.bad[peb] = true
	return nil
}

func (d *Device) EccStats() (flash.EccStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ecc.Failed > 0 {
		return d.ecc, ferrors.New(ferrors.IoEccFailure, "sim: ecc failure reported")
	}
	return d.ecc, nil
}

// PEBBytes exposes one PEB's raw contents for test assertions.
func (d *Device) PEBBytes(peb uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.pebs[peb]))
	copy(out, d.pebs[peb])
	return out
}

// --- UBI surface ---

func (d *Device) CreateUBI(force bool) error { return nil }

func (d *Device) CreateVolume(volID int, name string, volType flash.VolType, flags byte, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.volumes[volID]; exists && flags == 0 {
		return ferrors.Newf(ferrors.BadParameter, "sim: ubi volume %d already exists", volID)
	}
	lebs := int((size + uint64(d.eraseSize) - 1) / uint64(d.eraseSize))
	data := make([][]byte, lebs)
	for i := range data {
		data[i] = blank(d.eraseSize)
	}
	d.volumes[volID] = &volume{
		info: flash.VolInfo{ID: volID, Name: name, Type: volType, Size: size, LEBSize: d.eraseSize, NumLEBs: uint32(lebs)},
		data: data,
	}
	return nil
}

func (d *Device) ScanUBI(volID int) (flash.VolInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.volumes[volID]
	if !ok {
		return flash.VolInfo{}, ferrors.Newf(ferrors.BadParameter, "sim: no ubi volume %d", volID)
	}
	return v.info, nil
}

func (d *Device) ReadUBIBlock(leb uint32, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.currentVolumeLocked()
	if v == nil || int(leb) >= len(v.data) {
		return 0, ferrors.New(ferrors.BadParameter, "sim: ubi leb out of range")
	}
	return copy(buf, v.data[leb]), nil
}

func (d *Device) WriteUBIBlock(leb uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.currentVolumeLocked()
	if v == nil || int(leb) >= len(v.data) {
		return ferrors.New(ferrors.BadParameter, "sim: ubi leb out of range")
	}
	copy(v.data[leb], data)
	return nil
}

func (d *Device) AdjustSize(newSize uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.currentVolumeLocked()
	if v == nil {
		return ferrors.New(ferrors.BadParameter, "sim: no current ubi volume")
	}
	v.info.Size = newSize
	return nil
}

func (d *Device) CloseUBIVolume() error { return nil }

// currentVolumeLocked returns the sole volume for simple single-volume
// test setups; callers needing multi-volume behavior use ScanUBI
// explicitly per ID instead of relying on this.
func (d *Device) currentVolumeLocked() *volume {
	for _, v := range d.volumes {
		return v
	}
	return nil
}

var _ flash.UBIDevice = (*Device)(nil)
