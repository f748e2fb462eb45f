// Package system implements the system state & install/swap
// orchestrator (spec §4.7): the System Shared Data (SSDATA) region and
// the operations that read and mutate it.
package system

// InternalStatus is the closed set of states SSDATA tracks (spec
// §4.7). Order matches the spec text exactly; do not reorder these
// constants, label lookups are by value, not position.
type InternalStatus int

const (
	Ok InternalStatus = iota
	Sbl
	Mibib
	Sedb
	Tz1
	Tz2
	Rpm1
	Rpm2
	Modem1
	Modem2
	Lk1
	Lk2
	Kernel1
	Kernel2
	RootFs1
	RootFs2
	UserData1
	UserData2
	CustApp1
	CustApp2
	DwlOngoing
	DwlFailed
	DwlTimeout
	SwapMgOngoing
	SwapOngoing
	Unknown
)

// labels holds the exact, stable status strings of spec §6. Bad-image
// statuses are named after the physical partition they correspond to
// (e.g. Lk1 is the "aboot_1" partition), which differs from the
// InternalStatus Go identifier naming — that's a property of the
// original label strings, not a bug.
var labels = map[InternalStatus]string{
	Ok:            "No bad image found",
	Sbl:           "sbl",
	Mibib:         "mibib",
	Sedb:          "sedb",
	Tz1:           "tz_1",
	Tz2:           "tz_2",
	Rpm1:          "rpm_1",
	Rpm2:          "rpm_2",
	Modem1:        "modem_1",
	Modem2:        "modem_2",
	Lk1:           "aboot_1",
	Lk2:           "aboot_2",
	Kernel1:       "boot_1",
	Kernel2:       "boot_2",
	RootFs1:       "system_1",
	RootFs2:       "system_2",
	UserData1:     "lefwkro_1",
	UserData2:     "lefwkro_2",
	CustApp1:      "customer0",
	CustApp2:      "customer1",
	DwlOngoing:    "Download in progress",
	DwlFailed:     "Download failed",
	DwlTimeout:    "Download timeout",
	SwapMgOngoing: "Swap and mark good ongoing",
	SwapOngoing:   "Swap ongoing",
	Unknown:       "Unknown status",
}

// Label returns the fixed, stable human-readable string for s.
func (s InternalStatus) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return labels[Unknown]
}

// Group is one of the three partition groups with an independently
// tracked active side (spec §4.7 get_system/set_system).
type Group int

const (
	ModemGroup Group = iota
	LkGroup
	LinuxGroup
)

// Side is which physical partition of a Group is currently active.
type Side int

const (
	Side1 Side = 1
	Side2 Side = 2
)
