// Package partmap implements the MTD/partition lookup (spec §4.8/§3
// "Partition table"): a static mapping from (image type, active or
// passive slot) to the MTD partition name that component is written
// to, plus the single staging partition name used in single-system
// deployments.
package partmap

import (
	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
)

// Swifota is the single-system staging partition every image is
// written to sequentially, regardless of type (spec §3).
const Swifota = "swifota"

// entry names a partition pair: the active-side name and the
// passive-side name it is written to during an update.
type entry struct {
	active  string
	passive string
}

var table = map[cwe.ImageType]entry{
	cwe.TypeSBL1: {"sbl", "sbl"}, // SBL is scrubbed in place, not A/B swapped
	cwe.TypeDSP2: {"modem", "modem2"},
	cwe.TypeAPPS: {"aboot", "aboot2"},
	cwe.TypeAPBL: {"boot", "boot2"},
	cwe.TypeSYST: {"system", "system2"},
	cwe.TypeUSER: {"lefwkro", "lefwkro2"},
	cwe.TypeTZON: {"tz", "tz2"},
	cwe.TypeQRPM: {"rpm", "rpm2"},
	cwe.TypeNVUP: {"customer0", "customer1"},
}

// Resolve maps an image type and active/passive selector to the MTD
// number and partition name it should be opened against. mtdNum is a
// stand-in index into the platform's MTD enumeration; this module does
// not itself own /proc/mtd parsing (an external collaborator per spec
// §1 non-goals), so mtdNum is derived positionally from the table's
// iteration order and is stable only within one process. A caller that
// needs durable device addressing (the production CLI) resolves name
// to a real device node itself — see internal/session/devopen — rather
// than relying on this positional index.
func Resolve(imageType cwe.ImageType, active bool) (mtdNum int, name string, err error) {
	e, ok := table[imageType]
	if !ok {
		return 0, "", ferrors.Newf(ferrors.BadParameter, "partmap: no partition mapping for image type %q", imageType)
	}
	name = e.passive
	if active {
		name = e.active
	}
	return mtdIndex(name), name, nil
}

// KnownImageTypes lists every image type with a partition table entry,
// for diagnostics and pre-flight validation (C7 install).
func KnownImageTypes() []cwe.ImageType {
	out := make([]cwe.ImageType, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	return out
}

var mtdOrder []string

func init() {
	for _, e := range table {
		mtdOrder = append(mtdOrder, e.active, e.passive)
	}
	mtdOrder = append(mtdOrder, Swifota)
}

func mtdIndex(name string) int {
	for i, n := range mtdOrder {
		if n == name {
			return i
		}
	}
	return -1
}
