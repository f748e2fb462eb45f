package patch

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tinkerator/fwupdate/internal/ferrors"
)

// scratchFile is the scoped-acquisition guard for the single temporary
// path used to hold a patch slice's payload (spec §4.3). It is
// truncated at the start of each slice and unlinked unconditionally
// when release is called, including on the error path, so a defer
// immediately after acquisition is enough to satisfy the
// guaranteed-release contract.
type scratchFile struct {
	path string
	f    *os.File
}

// newScratchFile creates a fresh scratch file under dir, named with a
// per-acquisition UUID so concurrent sessions (or concurrent test runs)
// never collide on the same path.
func newScratchFile(dir string) (*scratchFile, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, "fwupdate-patch-"+uuid.NewString()+".scratch")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Fault, err, "patch: create scratch file")
	}
	return &scratchFile{path: name, f: f}, nil
}

// truncate resets the scratch file for a new slice without allocating a
// new path or uuid.
func (s *scratchFile) truncate() error {
	if err := s.f.Truncate(0); err != nil {
		return ferrors.Wrap(ferrors.Fault, err, "patch: truncate scratch file")
	}
	_, err := s.f.Seek(0, 0)
	return err
}

func (s *scratchFile) write(b []byte) error {
	_, err := s.f.Write(b)
	return err
}

func (s *scratchFile) bytes() ([]byte, error) {
	if _, err := s.f.Seek(0, 0); err != nil {
		return nil, err
	}
	info, err := s.f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	_, err = readFull(s.f, buf)
	return buf, err
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// release closes and unlinks the scratch file unconditionally. Safe to
// call multiple times.
func (s *scratchFile) release() {
	if s == nil || s.f == nil {
		return
	}
	s.f.Close()
	os.Remove(s.path)
	s.f = nil
}
