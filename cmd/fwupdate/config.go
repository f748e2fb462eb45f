package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tinkerator/fwupdate/internal/flash"
	"github.com/tinkerator/fwupdate/internal/session/devopen"
	"github.com/tinkerator/fwupdate/internal/system"
)

// deviceMapFile is the on-disk shape of --device-map: a flat JSON file
// naming the real device node backing each partmap partition name.
// Nothing in the retrieval pack reads this kind of small, flat
// platform config with a third-party library (no viper/toml example
// appears anywhere in the pack), so this one file uses the standard
// library's encoding/json rather than inventing a dependency to serve
// it.
type deviceMapFile struct {
	Raw map[string]string `json:"raw"`
	UBI map[string]string `json:"ubi"`
}

func loadOpener(path string) (*devopen.Opener, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dm deviceMapFile
	if err := json.Unmarshal(raw, &dm); err != nil {
		return nil, err
	}
	return devopen.New(dm.Raw, dm.UBI), nil
}

func statusPath() (*system.SSData, error) {
	if err := os.MkdirAll(resumeDir, 0o755); err != nil {
		return nil, err
	}
	return system.LoadStatus(resumeDir), nil
}

func saveStatus(s *system.SSData) error {
	return system.SaveStatus(resumeDir, s)
}

// acquireDownloadLock takes the cross-process exclusive lock spec §5
// requires before a download or resume can proceed, keyed off
// resume-dir since that is the one path every invocation against the
// same device agrees on.
func acquireDownloadLock() (*flash.Lock, error) {
	return flash.AcquireLock(filepath.Join(resumeDir, "fwupdate"))
}
