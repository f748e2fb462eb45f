package system

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/tinkerator/fwupdate/internal/ferrors"
	"zappem.net/pub/debug/xcrc32"
)

// statusFile is the "last-status blob" spec §6 names alongside the two
// resume-context files: unlike the resume context, it has no redundant
// sibling, since a torn write here just means the next status query
// falls back to a fresh New() state (status Ok) rather than losing
// in-flight download bytes.
const statusFile = "dwl_status.nfo"

// wireStatus is the fixed-size, CRC32-trailed encoding of everything in
// SSData that must survive past the lifetime of the process that set
// it: every CLI subcommand (cmd/fwupdate) is a fresh process, so
// init_download/install/mark_good in one invocation must be visible to
// status/install in the next.
type wireStatus struct {
	SyncFlag       bool
	BadImageMask   uint64
	InternalStatus int32
	Modem          int32
	Lk             int32
	Linux          int32
}

// SaveStatus persists s's fields to dir/dwl_status.nfo via write-to-
// temp-then-rename, the same atomicity idiom internal/resume uses for
// its own redundant files.
func SaveStatus(dir string, s *SSData) error {
	s.mu.Lock()
	ws := wireStatus{
		SyncFlag:       s.SyncFlag,
		BadImageMask:   s.BadImageMask,
		InternalStatus: int32(s.InternalStatus),
		Modem:          int32(s.active[ModemGroup]),
		Lk:             int32(s.active[LkGroup]),
		Linux:          int32(s.active[LinuxGroup]),
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, ws); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "system: encode status")
	}
	_, crc := xcrc32.NewCRC32(buf.Bytes())
	binary.Write(&buf, binary.BigEndian, crc)

	path := filepath.Join(dir, statusFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "system: write status temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "system: rename status file")
	}
	return nil
}

// LoadStatus rebuilds an SSData from dir/dwl_status.nfo, or returns a
// fresh New() if the file is absent or its CRC32 trailer is invalid —
// a corrupt status blob is a diagnostics loss, not a download-safety
// one, so LoadStatus never fails a caller outright.
func LoadStatus(dir string) *SSData {
	raw, err := os.ReadFile(filepath.Join(dir, statusFile))
	if err != nil || len(raw) < 4 {
		return New()
	}
	body, wantCRC := raw[:len(raw)-4], binary.BigEndian.Uint32(raw[len(raw)-4:])
	_, got := xcrc32.NewCRC32(body)
	if got != wantCRC {
		return New()
	}
	var ws wireStatus
	if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &ws); err != nil {
		return New()
	}
	return &SSData{
		SyncFlag:       ws.SyncFlag,
		BadImageMask:   ws.BadImageMask,
		InternalStatus: InternalStatus(ws.InternalStatus),
		active: map[Group]Side{
			ModemGroup: Side(ws.Modem),
			LkGroup:    Side(ws.Lk),
			LinuxGroup: Side(ws.Linux),
		},
	}
}
